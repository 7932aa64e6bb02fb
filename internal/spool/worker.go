// internal/spool/worker.go
package spool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"sp-emitter/internal/metrics"
	"sp-emitter/internal/retry"
	"sp-emitter/internal/transport"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrClaim 은 claim rename 이 "파일 없음" 이외의 이유로 실패한 경우.
// worker 프로세스는 exit code 1 로 끝난다.
var ErrClaim = errors.New("cannot claim spool file")

const (
	// IdleLimit 만큼 연속으로 빈 poll 이 나오면 worker 는 종료한다.
	IdleLimit = 5

	DefaultPollInterval = 15 * time.Second
)

// DefaultBatchSize 는 요청 타입별 worker 배치 크기 (GET 은 이벤트 단위).
func DefaultBatchSize(typ transport.RequestType) int {
	if typ == transport.Get {
		return 1
	}
	return 50
}

// WorkerState 는 worker 상태 머신.
type WorkerState int32

const (
	StatePolling WorkerState = iota
	StateProcessing
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type WorkerOptions struct {
	Dir           string // 이 worker 가 소유한 디렉토리
	QuarantineDir string // "" → <Dir 의 상위>/failed-logs
	URL           string // collector 전체 URL
	Type          transport.RequestType
	PollInterval  time.Duration // 빈 poll 후 대기 시간
	Window        int           // 동시 in-flight 요청 수
	BatchSize     int           // POST 배치당 이벤트 수

	Timeout   time.Duration
	Anonymous bool
	Policy    retry.Policy

	// Quarantine 가 nil 이면 QuarantineDir 로 새로 만든다.
	Quarantine *Quarantine
	Archiver   Archiver
	MaxAge     time.Duration
	MaxBytes   int64

	Client  transport.HTTPDoer
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Worker
// ------------------------------------------------------------
// 자기 디렉토리를 mailbox 로 쓰는 spool 소비자.
//
//	POLLING ─(events 파일 발견)─▶ PROCESSING ─▶ POLLING ... ─(빈 poll 5회)─▶ TERMINATED
//
//   - claim: events-* → consuming-* rename. rename 에 성공한 쪽만 파일을 처리한다
//   - 전송: 배치로 묶고, 요청마다 sent-at 을 새로 찍어 window 만큼 동시에 보낸다
//   - 실패: 요청 하나라도 실패하면 파일 전체를 quarantine 에 복사
//   - 처리 후 claim 파일은 항상 삭제
//   - 빈 poll 사이에 quarantine housekeeping 을 한 번씩 돌린다
type Worker struct {
	opts       WorkerOptions
	sender     *transport.Sync
	quarantine *Quarantine
	log        zerolog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	state atomic.Int32
	idle  int
}

// NewWorker 는 디렉토리를 검사하고 quarantine 을 준비한다.
// 여기서의 실패는 worker 기동 실패이다.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Dir == "" {
		return nil, errors.New("worker dir is required")
	}
	if opts.URL == "" {
		return nil, errors.New("collector url is required")
	}
	if info, err := os.Stat(opts.Dir); err != nil {
		return nil, fmt.Errorf("worker dir: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("worker dir %s is not a directory", opts.Dir)
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
	if opts.BatchSize <= 0 || opts.Type == transport.Get {
		opts.BatchSize = DefaultBatchSize(opts.Type)
	}
	if opts.QuarantineDir == "" {
		opts.QuarantineDir = filepath.Join(filepath.Dir(filepath.Clean(opts.Dir)), QuarantineDir)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("sp-emitter/spool")
	}

	log := opts.Logger.With().
		Str("component", "spool-worker").
		Str("dir", opts.Dir).
		Logger()

	q := opts.Quarantine
	if q == nil {
		var err error
		q, err = NewQuarantine(QuarantineOptions{
			Dir:      opts.QuarantineDir,
			MaxAge:   opts.MaxAge,
			MaxBytes: opts.MaxBytes,
			Archiver: opts.Archiver,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	sender := transport.NewSyncURL(opts.URL, transport.Options{
		Type:      opts.Type,
		Timeout:   opts.Timeout,
		Anonymous: opts.Anonymous,
		Policy:    opts.Policy,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	}, opts.Client)

	return &Worker{
		opts:       opts,
		sender:     sender,
		quarantine: q,
		log:        log,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}, nil
}

func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Run 은 TERMINATED 까지 poll 한다.
//   - 빈 poll IdleLimit 회 → nil
//   - claim 실패 → ErrClaim
//   - ctx 취소 → ctx.Err()
func (w *Worker) Run(ctx context.Context) error {
	defer w.state.Store(int32(StateTerminated))
	defer w.sender.Close()

	w.log.Info().
		Str("url", w.opts.URL).
		Str("type", string(w.opts.Type)).
		Int("window", w.opts.Window).
		Int("batch", w.opts.BatchSize).
		Msg("spool worker started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		name, err := w.next()
		if w.idle >= IdleLimit {
			// 마지막 idle sleep 중에 넘어온 파일이 없을 때만 종료
			if name == "" {
				break
			}
			w.idle = 0
		}
		if err != nil {
			w.log.Warn().Err(err).Msg("scan failed")
		}

		if name == "" {
			w.quarantine.ProcessOne(ctx)
			if err := sleep(ctx, w.opts.PollInterval); err != nil {
				return err
			}
			w.idle++
			continue
		}

		w.idle = 0
		if err := w.consume(ctx, name); err != nil {
			if errors.Is(err, ErrClaim) {
				w.log.Error().Err(err).Msg("claim failed, worker exiting")
				return err
			}
			w.log.Warn().Err(err).Str("file", name).Msg("consume failed")
		}
	}

	w.log.Info().Int("idle_cycles", w.idle).Msg("spool worker idle, exiting")
	return nil
}

// next 는 이름 순으로 첫 번째 events 파일.
func (w *Worker) next() (string, error) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return "", err
	}
	// os.ReadDir 은 이름 순 정렬을 보장한다
	for _, e := range entries {
		if !e.IsDir() && isEventsFile(e.Name()) {
			return e.Name(), nil
		}
	}
	return "", nil
}

// claim 은 name 을 consuming-* 로 rename 한다.
// 그 사이 파일이 사라졌으면 ("", nil).
func (w *Worker) claim(name string) (string, error) {
	src := filepath.Join(w.opts.Dir, name)
	dst := filepath.Join(w.opts.Dir, ClaimName())

	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s: %v", ErrClaim, name, err)
	}
	return dst, nil
}

func (w *Worker) consume(ctx context.Context, name string) error {
	w.state.Store(int32(StateProcessing))
	defer w.state.Store(int32(StatePolling))

	path, err := w.claim(name)
	if err != nil || path == "" {
		return err
	}

	ctx, span := w.tracer.Start(ctx, "spool.consume", trace.WithAttributes(
		attribute.String("spool.file", name),
	))
	defer span.End()

	ok, err := w.send(ctx, path)
	if err != nil {
		span.RecordError(err)
	}

	if !ok {
		span.SetStatus(codes.Error, "batch delivery failed")
		if _, qerr := w.quarantine.Save(path); qerr != nil {
			w.log.Error().Err(qerr).Str("file", name).Msg("quarantine copy failed")
		}
	}

	if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		w.log.Warn().Err(rerr).Str("file", filepath.Base(path)).Msg("remove claimed file failed")
	}
	w.metrics.Add(&w.metrics.SpoolFilesConsumedTotal, 1)
	return err
}

// send 는 claim 된 파일을 읽어 전송한다. 모든 요청이 200 이어야 true.
func (w *Worker) send(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	events, err := DecodeJSONL(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if len(events) == 0 {
		return true, nil
	}

	var reqs []transport.Request
	for _, b := range Chunk(events, w.opts.BatchSize) {
		reqs = append(reqs, transport.Split(w.opts.Type, b)...)
	}

	res := transport.Roll(ctx, reqs, w.opts.Window, w.sender.Do)
	if res.Succeeded() {
		w.log.Debug().Int("events", len(events)).Int("requests", res.Requests).Msg("spool file delivered")
		return true, nil
	}
	return false, res.Err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
