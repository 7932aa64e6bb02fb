// internal/emitter/pipeline.go
package emitter

import (
	"context"
	"sync"
	"time"

	"sp-emitter/internal/metrics"
	"sp-emitter/internal/model"

	"github.com/rs/zerolog"
)

const (
	DefaultQueueSize     = 10000
	DefaultFlushInterval = 5 * time.Second
)

// Pipeline
// ------------------------------------------------------------
// 여러 goroutine 에서 이벤트를 받아 단일 goroutine 으로 Delivery 를 구동한다.
//
//   - Offer: 채널에 non-blocking push (가득 차면 drop + metric)
//   - loop : 이벤트마다 Submit (size trigger 는 Emitter 가 처리),
//     FlushInterval 마다 Flush(force=false) 로 오래 머문 버퍼를 내보낸다
//   - Shutdown: 채널을 닫고 남은 이벤트를 모두 Submit 한 뒤 Delivery.Shutdown
//
// 호스트의 요청 경로가 collector 지연에 묶이지 않도록 할 때 쓴다.
type Pipeline struct {
	delivery Delivery
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger

	eventCh chan model.Event

	mu     sync.RWMutex // eventCh close 와 Offer 사이 보호
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

type PipelineOptions struct {
	QueueSize     int
	FlushInterval time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func NewPipeline(d Delivery, opts PipelineOptions) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		ctx:      ctx,
		cancel:   cancel,
		delivery: d,
		interval: opts.FlushInterval,
		metrics:  opts.Metrics,
		log:      opts.Logger.With().Str("component", "pipeline").Logger(),
		eventCh:  make(chan model.Event, opts.QueueSize),
	}
}

func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Offer 는 이벤트를 큐에 넣는다. 큐가 가득 찼거나 종료 중이면 false.
func (p *Pipeline) Offer(ev model.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.metrics.Add(&p.metrics.EventsDroppedTotal, 1)
		return false
	}

	select {
	case p.eventCh <- ev:
		return true
	default:
		p.metrics.Add(&p.metrics.EventsDroppedTotal, 1)
		return false
	}
}

// Shutdown 은 큐를 비우고 Delivery 를 force flush 로 종료한다.
// ctx 는 마지막 flush 에 전달된다.
func (p *Pipeline) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.eventCh)
		p.mu.Unlock()

		p.wg.Wait()
		p.cancel()

		p.delivery.Shutdown(ctx)
		p.log.Info().Msg("pipeline stopped")
	})
}

func (p *Pipeline) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-p.eventCh:
			if !ok {
				return
			}
			p.delivery.Submit(p.ctx, ev)

		case <-ticker.C:
			p.delivery.Flush(p.ctx, false)
		}
	}
}
