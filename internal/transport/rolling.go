// internal/transport/rolling.go
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"sp-emitter/internal/model"
)

const (
	DefaultPostLimit  = 50
	DefaultGetLimit   = 250
	DefaultPostWindow = 10
	DefaultGetWindow  = 30
)

// DefaultLimit 는 요청 타입별 누적 요청 수 기본값.
func DefaultLimit(typ RequestType) int {
	if typ == Get {
		return DefaultGetLimit
	}
	return DefaultPostLimit
}

// DefaultWindow 는 요청 타입별 동시 in-flight 요청 수 기본값.
func DefaultWindow(typ RequestType) int {
	if typ == Get {
		return DefaultGetWindow
	}
	return DefaultPostWindow
}

// Rolling
// ------------------------------------------------------------
// 2단 버퍼링 transport.
//   - Emitter 버퍼가 넘겨준 배치를 요청 단위로 바꿔 pending 에 쌓는다
//   - pending 이 limit 에 도달하거나 force 이면 window 만큼 동시에 전송한다
//
// limit 는 Emitter 의 buffer_size 와 독립적으로 설정된다.
type Rolling struct {
	sync   *Sync
	limit  int
	window int

	mu      sync.Mutex
	pending []Request
}

// NewRolling 은 limit / window 가 0 이하이면 요청 타입별 기본값을 쓴다.
func NewRolling(host string, opts Options, client HTTPDoer, limit, window int) *Rolling {
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: max(window, DefaultWindow(opts.Type)),
			},
		}
	}
	s := NewSync(host, opts, client)
	s.opts.Logger = s.opts.Logger.With().Str("mode", "rolling").Logger()

	if limit <= 0 {
		limit = DefaultLimit(s.opts.Type)
	}
	if window <= 0 {
		window = DefaultWindow(s.opts.Type)
	}
	return &Rolling{sync: s, limit: limit, window: window}
}

func (r *Rolling) URL() string { return r.sync.URL() }

func (r *Rolling) Type() RequestType { return r.sync.Type() }

// Pending 은 아직 전송되지 않은 요청 수.
func (r *Rolling) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Rolling) Send(ctx context.Context, batch model.Batch, force bool) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, Split(r.sync.Type(), batch)...)

	n := len(r.pending)
	switch {
	case n == 0:
		return Result{Status: StatusNoop, Message: "no requests pending"}
	case n < r.limit && !force:
		return Result{
			Status:   StatusDeferred,
			Requests: n,
			Message:  fmt.Sprintf("still adding to the request pool: count %d - limit %d", n, r.limit),
		}
	}

	reqs := r.pending
	r.pending = nil

	r.sync.opts.Logger.Debug().
		Int("requests", len(reqs)).
		Int("window", r.window).
		Bool("force", force).
		Msg("rolling dispatch")

	return Roll(ctx, reqs, r.window, r.sync.Do)
}

func (r *Rolling) RequestResults() []RequestResult { return r.sync.RequestResults() }

func (r *Rolling) DebugOff(deleteLocal bool) { r.sync.DebugOff(deleteLocal) }

// Close 는 남은 pending 요청을 버리지 않는다. 호출자는 먼저 force flush 해야 한다.
func (r *Rolling) Close() error { return r.sync.Close() }
