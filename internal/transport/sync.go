// internal/transport/sync.go
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"sp-emitter/internal/model"
)

// HTTPDoer 는 *http.Client 의 최소 인터페이스 (테스트에서 교체 가능).
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Sync
// ------------------------------------------------------------
// 호출자 goroutine 에서 요청을 직렬로 수행하는 HTTP transport.
//   - POST: 배치 → envelope 1개 → 요청 1개 (재시도 단위)
//   - GET : 이벤트마다 요청 1개, 각각 독립적으로 재시도
type Sync struct {
	opts   Options
	url    string
	client HTTPDoer

	history history
}

// NewSync 는 host(+port) 로 향하는 동기 transport 를 만든다.
// client 가 nil 이면 opts.Timeout 을 가진 기본 http.Client 를 사용한다.
func NewSync(host string, opts Options, client HTTPDoer) *Sync {
	opts = opts.withDefaults("sync")
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Sync{
		opts:    opts,
		url:     CollectorURL(host, opts.Protocol, opts.Type),
		client:  client,
		history: history{enabled: opts.Debug},
	}
}

// NewSyncURL 은 완성된 collector URL 을 그대로 쓴다 (spool worker 용).
// opts.Protocol 은 무시된다.
func NewSyncURL(url string, opts Options, client HTTPDoer) *Sync {
	s := NewSync("", opts, client)
	s.url = url
	return s
}

func (s *Sync) URL() string { return s.url }

func (s *Sync) Type() RequestType { return s.opts.Type }

func (s *Sync) Send(ctx context.Context, batch model.Batch, _ bool) Result {
	reqs := Split(s.opts.Type, batch)
	if len(reqs) == 0 {
		return Result{Status: StatusNoop, Err: ErrNoEvents}
	}

	results := make([]Result, 0, len(reqs))
	for _, r := range reqs {
		results = append(results, s.Do(ctx, r))
	}
	return Combine(results)
}

// Do 는 요청 하나를 retry 정책과 함께 끝까지 수행한다.
// rolling transport 와 spool worker 의 dispatcher 가 재사용한다.
func (s *Sync) Do(ctx context.Context, r Request) Result {
	res := deliver(ctx, s.opts, r.Type, func(ctx context.Context) (int, []byte, error) {
		return s.roundTrip(ctx, r)
	})
	res.Events = len(r.Events)
	return res
}

func (s *Sync) roundTrip(ctx context.Context, r Request) (int, []byte, error) {
	// sent-at 은 시도마다 새로 찍는다
	payload, err := r.Encode(s.opts.Now())
	if err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var req *http.Request
	if r.Type == Get {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, s.url+"?"+payload, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader([]byte(payload)))
		if err == nil {
			req.Header.Set("Content-Type", PostContentType)
			req.Header.Set("Accept", PostAccept)
		}
	}
	if err != nil {
		return 0, nil, err
	}
	if s.opts.Anonymous {
		req.Header.Set(AnonymousHeader, "*")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.history.record(0, payload)
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	s.history.record(resp.StatusCode, payload)
	return resp.StatusCode, body, nil
}

// RequestResults 는 debug 모드에서 기록된 요청별 결과.
func (s *Sync) RequestResults() []RequestResult { return s.history.snapshot() }

// DebugOff 는 요청 이력 수집을 멈춘다.
func (s *Sync) DebugOff(deleteLocal bool) { s.history.disable(deleteLocal) }

func (s *Sync) Close() error {
	if c, ok := s.client.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}
