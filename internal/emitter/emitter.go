// internal/emitter/emitter.go
package emitter

import (
	"context"
	"sync"
	"time"

	"sp-emitter/internal/metrics"
	"sp-emitter/internal/model"
	"sp-emitter/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Delivery 는 tracker 계층에 노출되는 전달 계약.
type Delivery interface {
	Submit(ctx context.Context, ev model.Event)
	Flush(ctx context.Context, force bool) transport.Result
	Shutdown(ctx context.Context)
}

// Kind 는 debug 로그 파일 이름과 로그 필드에 쓰이는 emitter 종류.
type Kind string

const (
	KindSync    Kind = "sync"
	KindRolling Kind = "rolling"
	KindSocket  Kind = "socket"
	KindSpool   Kind = "spool"
)

const DefaultBufferSize = 50

type Options struct {
	Kind       Kind
	BufferSize int // flush 트리거 크기 (0 → DefaultBufferSize)

	Debug    bool   // flush 결과 이력 보관
	DebugDir string // "" 이면 side log 를 남기지 않는다

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Outcome 은 debug 모드에서 flush 마다 남기는 결과 한 건.
type Outcome struct {
	At     time.Time
	Events int
	Result transport.Result
}

// Detail 은 성공 문자열 또는 오류 설명.
func (o Outcome) Detail() string { return o.Result.Detail() }

// debugSwitch 는 transport 가 요청별 이력을 가진 경우.
type debugSwitch interface {
	RequestResults() []transport.RequestResult
	DebugOff(deleteLocal bool)
}

// Emitter
// ------------------------------------------------------------
// 버퍼 + transport 조합. 구조:
//
//	Submit ─▶ buffer ──(buffer_size 도달 / Flush)──▶ transport.Send ─▶ Outcome
//
//   - 버퍼는 전송 시도 후 결과와 관계없이 비운다 (실패 배치 재적재 없음)
//   - 전송 실패는 error 가 아니라 transport.Result 로 돌려준다
//   - 모든 메서드는 mutex 로 직렬화된다. 동시에 여러 goroutine 이 Submit 해도 된다
type Emitter[T transport.Transport] struct {
	transport T
	opts      Options
	id        string
	log       zerolog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	mu       sync.Mutex
	buffer   model.Batch
	outcomes []Outcome
	debug    bool
	sideLog  *debugLog
	degraded bool
	closed   bool

	stopOnce sync.Once
}

func New[T transport.Transport](t T, opts Options) *Emitter[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Kind == "" {
		opts.Kind = KindSync
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("sp-emitter")
	}

	e := &Emitter[T]{
		transport: t,
		opts:      opts,
		id:        uuid.NewString(),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		buffer:    make(model.Batch, 0, opts.BufferSize),
		debug:     opts.Debug,
	}
	e.log = opts.Logger.With().
		Str("component", "emitter").
		Str("kind", string(opts.Kind)).
		Str("emitter_id", e.id).
		Logger()

	if e.debug && opts.DebugDir != "" {
		e.openSideLog()
	}
	return e
}

func (e *Emitter[T]) ID() string { return e.id }

func (e *Emitter[T]) Transport() T { return e.transport }

// Submit 은 이벤트를 버퍼에 넣고, buffer_size 에 도달하면 바로 flush 한다.
// Shutdown 이후의 이벤트는 버린다.
func (e *Emitter[T]) Submit(ctx context.Context, ev model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		e.metrics.Add(&e.metrics.EventsDroppedTotal, 1)
		e.log.Warn().Msg("submit after shutdown, event dropped")
		return
	}

	e.buffer = append(e.buffer, ev)
	e.metrics.Add(&e.metrics.EventsSubmittedTotal, 1)

	if len(e.buffer) >= e.opts.BufferSize {
		e.flushLocked(ctx, false)
	}
}

// Flush
//   - force=false: 버퍼가 비어 있으면 아무것도 하지 않는다 (결과 기록 없음)
//   - force=true : 버퍼가 비어 있어도 transport 를 호출한다 (rolling 누적분 전송)
func (e *Emitter[T]) Flush(ctx context.Context, force bool) transport.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked(ctx, force)
}

// Buffered 는 아직 전송되지 않은 이벤트 수.
func (e *Emitter[T]) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}

func (e *Emitter[T]) flushLocked(ctx context.Context, force bool) transport.Result {
	if len(e.buffer) == 0 && !force {
		return transport.Result{Status: transport.StatusNoop}
	}

	batch := e.buffer
	e.buffer = make(model.Batch, 0, e.opts.BufferSize)

	ctx, span := e.tracer.Start(ctx, "emitter.flush", trace.WithAttributes(
		attribute.String("emitter.kind", string(e.opts.Kind)),
		attribute.Int("emitter.batch_size", len(batch)),
		attribute.Bool("emitter.force", force),
	))
	defer span.End()

	start := time.Now()
	res := e.transport.Send(ctx, batch, force)

	span.SetAttributes(
		attribute.String("delivery.status", res.Status.String()),
		attribute.Int("delivery.status_code", res.StatusCode),
		attribute.Int("delivery.attempts", res.Attempts),
	)
	if res.Status == transport.StatusFailed {
		span.SetStatus(codes.Error, res.Detail())
		if res.Err != nil {
			span.RecordError(res.Err)
		}
	}

	e.account(batch, res, time.Since(start))
	return res
}

func (e *Emitter[T]) account(batch model.Batch, res transport.Result, took time.Duration) {
	if len(batch) > 0 {
		e.metrics.Add(&e.metrics.FlushesTotal, 1)
	}

	switch res.Status {
	case transport.StatusSent:
		e.metrics.Add(&e.metrics.BatchesSentTotal, 1)
		e.metrics.Add(&e.metrics.EventsSentTotal, int64(res.Events))
		e.log.Debug().
			Int("events", res.Events).
			Int("requests", res.Requests).
			Dur("took", took).
			Msg("batch delivered")
	case transport.StatusFailed:
		e.metrics.Add(&e.metrics.BatchesFailedTotal, 1)
		e.log.Warn().
			Int("events", len(batch)).
			Int("status", res.StatusCode).
			Int("attempts", res.Attempts).
			Err(res.Err).
			Msg("batch delivery failed")
	case transport.StatusNoop:
		return
	}

	if !e.debug {
		return
	}
	out := Outcome{At: time.Now(), Events: len(batch), Result: res}
	e.outcomes = append(e.outcomes, out)
	if e.sideLog != nil {
		if err := e.sideLog.write(out); err != nil {
			e.degrade(err)
		}
	}
}

// Outcomes 는 debug 모드에서 기록된 flush 결과의 복사본.
func (e *Emitter[T]) Outcomes() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Outcome, len(e.outcomes))
	copy(out, e.outcomes)
	return out
}

// RequestResults 는 transport 가 debug 모드로 남긴 요청별 결과.
func (e *Emitter[T]) RequestResults() []transport.RequestResult {
	if ds, ok := any(e.transport).(debugSwitch); ok {
		return ds.RequestResults()
	}
	return nil
}

// DebugOff 는 debug 모드를 끈다.
// deleteLocal 이면 side log 파일과 메모리 이력도 지운다.
func (e *Emitter[T]) DebugOff(deleteLocal bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.debug = false
	if e.sideLog != nil {
		if err := e.sideLog.close(deleteLocal); err != nil {
			e.log.Warn().Err(err).Msg("debug log close failed")
		}
		e.sideLog = nil
	}
	if deleteLocal {
		e.outcomes = nil
	}
	if ds, ok := any(e.transport).(debugSwitch); ok {
		ds.DebugOff(deleteLocal)
	}
}

// Degraded 는 debug side log 를 쓸 수 없어 메모리 이력만 남기는 상태인지.
func (e *Emitter[T]) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// DebugLogPath 는 side log 경로 ("" 이면 없음).
func (e *Emitter[T]) DebugLogPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sideLog == nil {
		return ""
	}
	return e.sideLog.path
}

func (e *Emitter[T]) openSideLog() {
	dl, err := openDebugLog(e.opts.DebugDir, e.opts.Kind, e.id)
	if err != nil {
		e.degrade(err)
		return
	}
	e.sideLog = dl
}

func (e *Emitter[T]) degrade(err error) {
	e.degraded = true
	if e.sideLog != nil {
		_ = e.sideLog.close(false)
		e.sideLog = nil
	}
	e.log.Warn().Err(err).Msg("no write permission for debug log, continuing without it")
}

// Shutdown 은 남은 버퍼를 force flush 하고 transport 를 닫는다.
// 여러 번 호출해도 안전하다.
func (e *Emitter[T]) Shutdown(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		e.flushLocked(ctx, true)
		e.closed = true

		if err := e.transport.Close(); err != nil {
			e.log.Warn().Err(err).Msg("transport close failed")
		}
		if e.sideLog != nil {
			_ = e.sideLog.close(false)
			e.sideLog = nil
		}
		e.log.Info().Msg("emitter stopped")
	})
}
