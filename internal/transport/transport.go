// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"sp-emitter/internal/metrics"
	"sp-emitter/internal/model"
	"sp-emitter/internal/retry"

	"github.com/rs/zerolog"
)

// ====================================================================
// collector wire 규약
// ====================================================================
const (
	PostPath        = "/com.snowplowanalytics.snowplow/tp2"
	GetPath         = "/i"
	PostContentType = "application/json; charset=utf-8"
	PostAccept      = "application/json"
	AnonymousHeader = "SP-Anonymous"
	DefaultProtocol = "http"

	// SuccessStatus
	// 요청 성공은 "정확히 200" 일 때만 인정한다.
	// retry.IsGoodStatus 의 [200,300) 보다 엄격하다. 200 이 아닌 2xx 는
	// 재시도 대상은 아니지만 실패로 보고된다.
	SuccessStatus = http.StatusOK

	DefaultTimeout = 30 * time.Second

	// 응답 body 는 디버깅 용도라서 앞부분만 읽는다.
	maxResponseBytes = 64 * 1024
)

var (
	// ErrNoEvents 는 빈 배치를 전송하려 할 때.
	ErrNoEvents = errors.New("no events to write")

	// ErrSocketUnavailable 은 socket 을 한 번도 열지 못했거나 재연결에 실패해서
	// transport 인스턴스가 영구 실패 상태가 된 경우.
	ErrSocketUnavailable = errors.New("socket unavailable")
)

// RequestType 은 aggregate(POST) / single-event(GET) 모드.
type RequestType string

const (
	Post RequestType = "POST"
	Get  RequestType = "GET"
)

// ParseRequestType 은 알 수 없는 값이나 빈 값을 POST 로 돌린다.
func ParseRequestType(s string) RequestType {
	if strings.EqualFold(strings.TrimSpace(s), string(Get)) {
		return Get
	}
	return Post
}

// CollectorURL 은 host(+port) 와 protocol, 요청 타입으로 collector URL 을 만든다.
func CollectorURL(host, protocol string, typ RequestType) string {
	if protocol == "" {
		protocol = DefaultProtocol
	}
	path := PostPath
	if typ == Get {
		path = GetPath
	}
	return protocol + "://" + strings.TrimSuffix(host, "/") + path
}

// Status 는 flush 한 번의 최종 결과 분류.
type Status int

const (
	StatusSent     Status = iota // 모든 요청이 200
	StatusFailed                 // 하나 이상 최종 실패
	StatusDeferred               // 아직 전송하지 않음 (rolling 누적, spool handoff)
	StatusNoop                   // 보낼 것이 없음
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusDeferred:
		return "deferred"
	case StatusNoop:
		return "noop"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result
// ------------------------------------------------------------
// DeliveryResult. transport 내부 재시도가 모두 끝난 뒤의 결과만 Emitter 로 넘어간다.
//
// StatusCode == 0 은 "응답 없음" (DNS / connect / timeout / socket 오류) 을 뜻하며
// HTTP 레벨 실패와 구분된다.
type Result struct {
	Status     Status
	StatusCode int    // 마지막 응답 code
	Attempts   int    // 모든 요청의 시도 횟수 합
	Requests   int    // 논리 요청 수
	Events     int    // 결과가 가리키는 이벤트 수
	Body       []byte // 마지막 응답 body (앞부분)
	Message    string // deferred / noop 설명
	Err        error
}

func (r Result) Succeeded() bool {
	return r.Status == StatusSent
}

// Detail 은 debug 로그용 한 줄 요약.
func (r Result) Detail() string {
	switch {
	case r.Status == StatusSent:
		return "Payload sent successfully"
	case r.Err != nil:
		return r.Err.Error()
	default:
		return r.Message
	}
}

// Transport 는 배치 하나를 실제로 전송하는 전략이다.
// force 는 rolling 처럼 자체 누적 계층을 가진 transport 에게 "지금 다 보내라" 를 뜻한다.
type Transport interface {
	Send(ctx context.Context, batch model.Batch, force bool) Result
	Close() error
}

// StatusError 는 200 이 아닌 응답.
type StatusError struct {
	Method RequestType
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: status %d", e.Method, e.Code)
}

// Options 는 세 transport 가 공유하는 설정.
type Options struct {
	Type      RequestType
	Protocol  string        // sync / rolling 전용 (http | https)
	Timeout   time.Duration // 요청 1회당 timeout
	Anonymous bool          // SP-Anonymous: * 헤더
	Policy    retry.Policy
	Debug     bool // 요청별 결과 이력 보관

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o Options) withDefaults(component string) Options {
	if o.Type != Get {
		o.Type = Post
	}
	if o.Protocol == "" {
		o.Protocol = DefaultProtocol
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = o.Logger.With().Str("component", component).Logger()
	return o
}

// RequestResult 는 debug 모드에서 요청마다 남기는 {code, data} 기록.
type RequestResult struct {
	Code int
	Data string
}

type history struct {
	mu      sync.Mutex
	enabled bool
	results []RequestResult
}

func (h *history) record(code int, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return
	}
	h.results = append(h.results, RequestResult{Code: code, Data: data})
}

func (h *history) snapshot() []RequestResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RequestResult, len(h.results))
	copy(out, h.results)
	return out
}

// disable 은 이력 수집을 끄고, deleteLocal 이면 지금까지의 이력도 비운다.
func (h *history) disable(deleteLocal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.enabled = false
	if deleteLocal {
		h.results = nil
	}
}

// attemptFunc 는 요청 1회 시도. 응답을 못 받으면 code 0 과 err 를 돌려준다.
type attemptFunc func(ctx context.Context) (code int, body []byte, err error)

// deliver
// ------------------------------------------------------------
// 요청 하나를 retry 정책에 따라 성공/최종 실패까지 반복한다.
//   - 200 → 성공
//   - 정책상 재시도 불가(good code, 차단 4xx, 시도 소진) → 최종 실패
//   - socket 영구 실패 → 재시도 없이 최종 실패
//   - 그 외 → backoff 후 재전송 (같은 State 유지)
func deliver(ctx context.Context, o Options, method RequestType, attempt attemptFunc) Result {
	st := o.Policy.NewState()

	for {
		n := st.Begin()
		if n > 1 {
			o.Metrics.Add(&o.Metrics.RetriesTotal, 1)
		}
		o.Metrics.Add(&o.Metrics.RequestsTotal, 1)

		code, body, err := attempt(ctx)
		if err == nil && code == SuccessStatus {
			return Result{Status: StatusSent, StatusCode: code, Attempts: n, Requests: 1, Body: body}
		}

		o.Metrics.Add(&o.Metrics.RequestErrorsTotal, 1)
		if err == nil {
			err = &StatusError{Method: method, Code: code}
		}

		failed := Result{Status: StatusFailed, StatusCode: code, Attempts: n, Requests: 1, Body: body, Err: err}

		if errors.Is(err, ErrSocketUnavailable) || !st.ShouldRetry(code) {
			o.Logger.Warn().
				Int("status", code).
				Int("attempt", n).
				Err(err).
				Msg("request failed")
			return failed
		}

		delay, werr := st.Backoff(ctx)
		if werr != nil {
			failed.Err = errors.Join(err, werr)
			return failed
		}
		o.Logger.Debug().
			Int("status", code).
			Int("attempt", n).
			Dur("backoff", delay).
			Msg("retrying request")
	}
}

// Combine 은 요청별 결과를 배치 결과 하나로 합친다.
// 하나라도 실패하면 배치 전체가 실패이다 (all-or-nothing).
func Combine(results []Result) Result {
	if len(results) == 0 {
		return Result{Status: StatusNoop, Err: ErrNoEvents}
	}

	out := Result{Status: StatusSent}
	var errs []error
	for _, r := range results {
		out.Attempts += r.Attempts
		out.Requests += r.Requests
		out.Events += r.Events
		if r.Status == StatusSent {
			if out.Status == StatusSent {
				out.StatusCode = r.StatusCode
				out.Body = r.Body
			}
			continue
		}
		out.Status = StatusFailed
		out.StatusCode = r.StatusCode
		out.Body = r.Body
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if out.Status == StatusFailed {
		out.Err = errors.Join(errs...)
	}
	return out
}
