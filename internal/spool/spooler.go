// internal/spool/spooler.go
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"sp-emitter/internal/metrics"
	"sp-emitter/internal/model"
	"sp-emitter/internal/transport"

	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize = 250
	DefaultWorkers    = 2

	waitInterval = 10 * time.Millisecond
)

type Options struct {
	Root    string // spool 루트 (w<i>/, failed-logs/ 의 상위)
	Workers int

	// worker 에 전달되는 값
	URL          string
	Type         transport.RequestType
	PollInterval time.Duration
	Window       int
	BatchSize    int

	Launcher Launcher // nil → worker 를 띄우지 않음 (외부에서 관리)
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Spooler
// ------------------------------------------------------------
// 배치를 직접 보내지 않고 worker 디렉토리로 넘기는 transport.
//
//  1. <root>/.tmp-* 에 JSONL 로 기록
//  2. round-robin 으로 고른 w<i>/events-<token>.log 로 rename (원자적 handoff)
//  3. 그 worker 가 종료된 상태면 다시 띄운다
//  4. worker 가 파일을 남긴 채 종료하면 watch 가 다시 띄운다
//
// handoff 이후 producer 는 파일을 다시 읽지 않는다.
// Send 는 네트워크 전송 결과를 알 수 없으므로 성공한 handoff 를 StatusDeferred 로 돌려준다.
type Spooler struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex // round-robin pointer + handles
	next    int
	handles []Handle
}

// NewSpooler 는 디렉토리를 만들고 worker 를 띄운다.
// 디렉토리 생성 실패는 오류, worker 기동 실패는 로그만 남긴다
// (다음 handoff 때 다시 시도).
func NewSpooler(opts Options) (*Spooler, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Type != transport.Get {
		opts.Type = transport.Post
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Window <= 0 {
		opts.Window = transport.DefaultWindow(opts.Type)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize(opts.Type)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	dirs := []string{opts.Root, QuarantinePath(opts.Root)}
	for i := 0; i < opts.Workers; i++ {
		dirs = append(dirs, WorkerDir(opts.Root, i))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create spool dir %s: %w", d, err)
		}
	}

	s := &Spooler{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "spooler").Str("root", opts.Root).Logger(),
		handles: make([]Handle, opts.Workers),
	}

	s.mu.Lock()
	for i := 0; i < opts.Workers; i++ {
		s.ensureWorkerLocked(i)
	}
	s.mu.Unlock()

	return s, nil
}

func (s *Spooler) Root() string { return s.opts.Root }

func (s *Spooler) Send(_ context.Context, batch model.Batch, _ bool) transport.Result {
	if len(batch) == 0 {
		return transport.Result{Status: transport.StatusNoop, Err: transport.ErrNoEvents}
	}

	data, err := EncodeJSONL(batch)
	if err != nil {
		return transport.Result{Status: transport.StatusFailed, Events: len(batch), Err: fmt.Errorf("encode spool file: %w", err)}
	}

	tmp := filepath.Join(s.opts.Root, tmpName())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return transport.Result{Status: transport.StatusFailed, Events: len(batch), Err: fmt.Errorf("write spool file: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.next
	s.next = (s.next + 1) % s.opts.Workers

	dst := filepath.Join(WorkerDir(s.opts.Root, i), EventsName())
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return transport.Result{Status: transport.StatusFailed, Events: len(batch), Err: fmt.Errorf("hand off spool file: %w", err)}
	}
	s.opts.Metrics.Add(&s.opts.Metrics.SpoolFilesHandedOffTotal, 1)

	s.ensureWorkerLocked(i)

	s.log.Debug().Int("worker", i).Int("events", len(batch)).Str("file", filepath.Base(dst)).Msg("spool file handed off")
	return transport.Result{
		Status:  transport.StatusDeferred,
		Events:  len(batch),
		Message: fmt.Sprintf("handed off %d events to worker %d", len(batch), i),
	}
}

// ensureWorkerLocked 는 worker i 가 없거나 끝났으면 다시 띄운다.
func (s *Spooler) ensureWorkerLocked(i int) {
	if s.opts.Launcher == nil {
		return
	}
	if h := s.handles[i]; h != nil && !isDone(h) {
		return
	}

	h, err := s.opts.Launcher.Launch(s.spec(i))
	if err != nil {
		s.log.Error().Err(err).Int("worker", i).Msg("spool worker launch failed")
		s.handles[i] = nil
		return
	}
	s.handles[i] = h
	go s.watch(i, h)
}

// watch 는 worker i 가 종료한 뒤에도 디렉토리에 events 파일이 남아 있으면
// PollInterval 뒤에 다시 띄운다. worker 의 마지막 scan 직후에 넘어온 파일이 대상이다.
func (s *Spooler) watch(i int, h Handle) {
	<-h.Done()
	if !s.pending(i) {
		return
	}

	t := time.NewTimer(s.opts.PollInterval)
	defer t.Stop()
	<-t.C

	s.mu.Lock()
	defer s.mu.Unlock()
	// 그 사이 Send 가 이미 새 worker 를 띄웠으면 그쪽이 처리한다
	if s.handles[i] != h || !s.pending(i) {
		return
	}
	s.log.Warn().Int("worker", i).Msg("spool worker exited with files left, relaunching")
	s.ensureWorkerLocked(i)
}

// pending 은 worker i 디렉토리에 아직 claim 되지 않은 events 파일이 있는지.
func (s *Spooler) pending(i int) bool {
	entries, err := os.ReadDir(WorkerDir(s.opts.Root, i))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && isEventsFile(e.Name()) {
			return true
		}
	}
	return false
}

func isDone(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

func (s *Spooler) spec(i int) WorkerSpec {
	return WorkerSpec{
		Index:         i,
		Dir:           WorkerDir(s.opts.Root, i),
		QuarantineDir: QuarantinePath(s.opts.Root),
		URL:           s.opts.URL,
		Type:          s.opts.Type,
		PollInterval:  s.opts.PollInterval,
		Window:        s.opts.Window,
		BatchSize:     s.opts.BatchSize,
	}
}

// Wait 는 worker 가 모두 끝나고 넘겨준 파일이 모두 소비될 때까지 기다린다.
// Launcher 가 없으면 떠 있는 worker 만 기다린다.
func (s *Spooler) Wait(ctx context.Context) error {
	tick := time.NewTicker(waitInterval)
	defer tick.Stop()

	for {
		s.mu.Lock()
		handles := make([]Handle, 0, len(s.handles))
		for _, h := range s.handles {
			if h != nil {
				handles = append(handles, h)
			}
		}
		s.mu.Unlock()

		for _, h := range handles {
			select {
			case <-h.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !s.busy() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// busy: 살아 있는 worker 가 있거나, 재기동을 기다리는 파일이 남아 있음.
func (s *Spooler) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handles {
		if h != nil && !isDone(h) {
			return true
		}
		if s.opts.Launcher != nil && s.pending(i) {
			return true
		}
	}
	return false
}

// Close 는 worker 를 멈추지 않는다. worker 는 idle 로 스스로 종료한다.
func (s *Spooler) Close() error { return nil }
