package spool

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sp-emitter/internal/collector"
	"sp-emitter/internal/model"
	"sp-emitter/internal/transport"

	json "github.com/goccy/go-json"
)

func newCollector(t *testing.T, opts collector.Options) (*collector.Handler, *collector.MemorySink, string) {
	t.Helper()
	sink := collector.NewMemorySink()
	h := collector.NewHandler(sink, opts)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return h, sink, srv.URL
}

func batchOf(n int, tag string) model.Batch {
	b := make(model.Batch, n)
	for i := range b {
		b[i] = model.Event{"e": "se", "se_ca": tag, "n": i}
	}
	return b
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir %s: %v", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func writeEventsFile(t *testing.T, dir string, b model.Batch) string {
	t.Helper()
	data, err := EncodeJSONL(b)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, EventsName())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestJSONLRoundTripKeepsNumbers(t *testing.T) {
	in := model.Batch{
		{"e": "pv", "big": int64(9007199254740993)},
		{"e": "se", "ok": true},
	}
	data, err := EncodeJSONL(in)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Fatalf("expected 2 lines, got %d", lines)
	}

	// 빈 줄은 무시된다
	data = append([]byte("\n"), data...)
	out, err := DecodeJSONL(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 events, got %d", len(out))
	}
	if n, ok := out[0]["big"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Fatalf("number not preserved: %#v", out[0]["big"])
	}
	if q := out[0].Query(); !strings.Contains(q, "big=9007199254740993") {
		t.Fatalf("query = %q", q)
	}
}

func TestDecodeJSONLReportsBadLine(t *testing.T) {
	_, err := DecodeJSONL(strings.NewReader("{\"e\":\"pv\"}\n{broken\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestChunk(t *testing.T) {
	got := Chunk(batchOf(5, "x"), 2)
	if len(got) != 3 || len(got[0]) != 2 || len(got[2]) != 1 {
		t.Fatalf("unexpected chunks %v", got)
	}
	if len(Chunk(nil, 3)) != 0 {
		t.Fatal("empty input should give no chunks")
	}
}

func TestSpoolerHandsOffRoundRobin(t *testing.T) {
	root := t.TempDir()
	s, err := NewSpooler(Options{Root: root, Workers: 2, URL: "http://unused"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		res := s.Send(context.Background(), batchOf(2, "rr"), false)
		if res.Status != transport.StatusDeferred || res.Events != 2 {
			t.Fatalf("send %d: %+v", i, res)
		}
	}

	w0, w1 := listDir(t, WorkerDir(root, 0)), listDir(t, WorkerDir(root, 1))
	if len(w0) != 2 || len(w1) != 1 {
		t.Fatalf("w0=%v w1=%v", w0, w1)
	}
	for _, name := range append(w0, w1...) {
		if !isEventsFile(name) {
			t.Fatalf("unexpected file name %q", name)
		}
	}
	// producer 디렉토리에는 아무것도 남지 않는다
	if left := listDir(t, root); len(left) != 0 {
		t.Fatalf("producer dir not empty: %v", left)
	}

	res := s.Send(context.Background(), nil, true)
	if res.Status != transport.StatusNoop {
		t.Fatalf("empty batch should be a no-op, got %v", res.Status)
	}
}

func TestWorkerDeliversAndDeletes(t *testing.T) {
	h, sink, url := newCollector(t, collector.Options{})
	root := t.TempDir()
	dir := WorkerDir(root, 0)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeEventsFile(t, dir, batchOf(5, "a"))

	w, err := NewWorker(WorkerOptions{
		Dir:          dir,
		URL:          url + transport.PostPath,
		PollInterval: time.Millisecond,
		BatchSize:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if sink.Len() != 5 || h.Count() != 3 {
		t.Fatalf("sink=%d requests=%d", sink.Len(), h.Count())
	}
	for _, ev := range sink.Events() {
		if ev[model.SentAtKey] == nil {
			t.Fatalf("sent-at not stamped: %v", ev)
		}
	}
	if left := listDir(t, dir); len(left) != 0 {
		t.Fatalf("worker dir not empty: %v", left)
	}
	if q := listDir(t, QuarantinePath(root)); len(q) != 0 {
		t.Fatalf("nothing should be quarantined: %v", q)
	}
	if w.State() != StateTerminated {
		t.Fatalf("state = %v", w.State())
	}
}

func TestWorkerGetSendsOneRequestPerEvent(t *testing.T) {
	h, sink, url := newCollector(t, collector.Options{})
	root := t.TempDir()
	dir := WorkerDir(root, 0)
	_ = os.MkdirAll(dir, 0o755)
	writeEventsFile(t, dir, batchOf(4, "get"))

	w, err := NewWorker(WorkerOptions{
		Dir:          dir,
		URL:          url + transport.GetPath,
		Type:         transport.Get,
		PollInterval: time.Millisecond,
		BatchSize:    50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.Count() != 4 || sink.Len() != 4 {
		t.Fatalf("requests=%d sink=%d", h.Count(), sink.Len())
	}
}

func TestWorkerQuarantinesWholeFileOnFailure(t *testing.T) {
	_, sink, url := newCollector(t, collector.Options{
		Status: func(seq int64) int {
			if seq == 2 {
				return 500
			}
			return 200
		},
	})
	root := t.TempDir()
	dir := WorkerDir(root, 0)
	_ = os.MkdirAll(dir, 0o755)
	src := writeEventsFile(t, dir, batchOf(3, "q"))
	original, _ := os.ReadFile(src)

	w, err := NewWorker(WorkerOptions{
		Dir:          dir,
		URL:          url + transport.PostPath,
		PollInterval: time.Millisecond,
		BatchSize:    1,
		Window:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 나머지 요청은 전송되지만 파일 전체가 quarantine 된다
	if sink.Len() != 2 {
		t.Fatalf("sink=%d", sink.Len())
	}
	failed := listDir(t, QuarantinePath(root))
	if len(failed) != 1 || !isFailedFile(failed[0]) {
		t.Fatalf("quarantine = %v", failed)
	}
	copied, _ := os.ReadFile(filepath.Join(QuarantinePath(root), failed[0]))
	if !bytes.Equal(copied, original) {
		t.Fatal("quarantined copy differs from the original batch")
	}
	if left := listDir(t, dir); len(left) != 0 {
		t.Fatalf("claimed file should be removed: %v", left)
	}
}

func TestWorkerTerminatesAfterIdleLimit(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWorker(WorkerOptions{
		Dir:           dir,
		QuarantineDir: filepath.Join(dir, "q"),
		URL:           "http://127.0.0.1:1/i",
		PollInterval:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("idle exit should be clean: %v", err)
	}
	if w.idle != IdleLimit {
		t.Fatalf("idle = %d", w.idle)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("worker took too long to terminate")
	}
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWorker(WorkerOptions{
		Dir:           dir,
		QuarantineDir: filepath.Join(dir, "q"),
		URL:           "http://127.0.0.1:1/i",
		PollInterval:  time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestClaimSkipsVanishedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWorker(WorkerOptions{Dir: dir, QuarantineDir: filepath.Join(dir, "q"), URL: "http://x/i"})
	if err != nil {
		t.Fatal(err)
	}
	path, err := w.claim("events-gone.log")
	if err != nil || path != "" {
		t.Fatalf("claim of missing file = %q, %v", path, err)
	}
}

func TestNewWorkerRequiresDir(t *testing.T) {
	_, err := NewWorker(WorkerOptions{Dir: filepath.Join(t.TempDir(), "missing"), URL: "http://x/i"})
	if err == nil {
		t.Fatal("expected error for missing worker dir")
	}
}

func TestTwoWorkersNeverShareAFile(t *testing.T) {
	h, sink, url := newCollector(t, collector.Options{Delay: time.Millisecond})
	root := t.TempDir()
	dir := WorkerDir(root, 0)
	_ = os.MkdirAll(dir, 0o755)

	const files, perFile = 20, 3
	for i := 0; i < files; i++ {
		writeEventsFile(t, dir, batchOf(perFile, "race"))
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		w, err := NewWorker(WorkerOptions{
			Dir:          dir,
			URL:          url + transport.PostPath,
			PollInterval: time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		go func() { errs <- w.Run(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("worker: %v", err)
		}
	}

	if sink.Len() != files*perFile || h.Count() != files {
		t.Fatalf("events=%d requests=%d, want %d/%d", sink.Len(), h.Count(), files*perFile, files)
	}
}

func TestSpoolerWithGoroutineWorkers(t *testing.T) {
	_, sink, url := newCollector(t, collector.Options{})
	root := t.TempDir()

	s, err := NewSpooler(Options{
		Root:         root,
		Workers:      2,
		URL:          url + transport.PostPath,
		PollInterval: 20 * time.Millisecond,
		Launcher:     GoroutineLauncher{},
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		s.Send(context.Background(), batchOf(2, "e2e"), false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("workers did not finish: %v", err)
	}
	if sink.Len() != 8 {
		t.Fatalf("sink=%d", sink.Len())
	}
	for i := 0; i < 2; i++ {
		if left := listDir(t, WorkerDir(root, i)); len(left) != 0 {
			t.Fatalf("w%d not empty: %v", i, left)
		}
	}
}

func TestSpoolerRelaunchesFinishedWorker(t *testing.T) {
	root := t.TempDir()
	l := &countingLauncher{}
	s, err := NewSpooler(Options{Root: root, Workers: 1, URL: "http://x", Launcher: l})
	if err != nil {
		t.Fatal(err)
	}
	if n := l.launches(); n != 1 {
		t.Fatalf("expected 1 launch at construction, got %d", n)
	}

	s.Send(context.Background(), batchOf(1, "x"), false)
	if l.launches() != 1 {
		t.Fatal("running worker must not be relaunched")
	}

	l.finish()
	s.Send(context.Background(), batchOf(1, "x"), false)
	if n := l.launches(); n != 2 {
		t.Fatalf("finished worker should be relaunched, launches=%d", n)
	}
}

// worker 가 마지막 idle sleep 중일 때 넘어온 배치도 전달돼야 한다.
func TestSpoolerHandoffDuringLastIdleSleep(t *testing.T) {
	_, sink, url := newCollector(t, collector.Options{})
	root := t.TempDir()

	poll := 100 * time.Millisecond
	s, err := NewSpooler(Options{
		Root:         root,
		Workers:      1,
		URL:          url + transport.PostPath,
		PollInterval: poll,
		Launcher:     GoroutineLauncher{},
	})
	if err != nil {
		t.Fatal(err)
	}

	// IdleLimit 번째 sleep 한가운데
	time.Sleep(time.Duration(IdleLimit-1)*poll + poll/2)
	s.Send(context.Background(), batchOf(3, "late"), false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if sink.Len() != 3 {
		t.Fatalf("sink=%d, want 3", sink.Len())
	}
	if left := listDir(t, WorkerDir(root, 0)); len(left) != 0 {
		t.Fatalf("w0 not empty: %v", left)
	}
}

// worker 가 파일을 남긴 채 종료하면 다음 Send 없이도 다시 띄워진다.
func TestSpoolerRelaunchesWorkerThatLeftFiles(t *testing.T) {
	root := t.TempDir()
	l := &countingLauncher{}
	s, err := NewSpooler(Options{
		Root:         root,
		Workers:      1,
		URL:          "http://x",
		PollInterval: time.Millisecond,
		Launcher:     l,
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Send(context.Background(), batchOf(1, "x"), false)
	if l.launches() != 1 {
		t.Fatal("running worker must not be relaunched")
	}

	// 파일을 보지 못하고 종료
	l.finish()

	deadline := time.Now().Add(2 * time.Second)
	for l.launches() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("worker with pending files was not relaunched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait must not return while a file is still pending")
	}
}

func TestSpoolerWaitWithoutLauncher(t *testing.T) {
	root := t.TempDir()
	s, err := NewSpooler(Options{Root: root, Workers: 1, URL: "http://x"})
	if err != nil {
		t.Fatal(err)
	}
	s.Send(context.Background(), batchOf(1, "x"), false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("no launcher: Wait should return at once, got %v", err)
	}
}

type countingLauncher struct {
	mu   sync.Mutex
	n    int
	last doneHandle
}

func (l *countingLauncher) Launch(WorkerSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	l.last = make(doneHandle)
	return l.last, nil
}

func (l *countingLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// finish 는 마지막으로 띄운 worker 를 종료 상태로 만든다.
func (l *countingLauncher) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.last)
}

func TestWorkerSpecArgs(t *testing.T) {
	spec := WorkerSpec{
		Dir:           "/spool/w1",
		QuarantineDir: "/spool/failed-logs",
		URL:           "http://c/i",
		Type:          transport.Get,
		PollInterval:  15 * time.Second,
		Window:        30,
		BatchSize:     1,
	}
	got := strings.Join(spec.Args(), " ")
	want := "--dir /spool/w1 --quarantine /spool/failed-logs --url http://c/i --type GET --timeout 15s --window 30 --buffer 1"
	if got != want {
		t.Fatalf("args = %q", got)
	}
}
