package transport_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sp-emitter/internal/collector"
	"sp-emitter/internal/metrics"
	"sp-emitter/internal/model"
	"sp-emitter/internal/retry"
	"sp-emitter/internal/transport"

	json "github.com/goccy/go-json"
)

func TestSyncPostSendsEnvelope(t *testing.T) {
	h, sink, host := newCollector(t, collector.Options{})
	tr := transport.NewSync(host, transport.Options{Type: transport.Post}, nil)
	defer tr.Close()

	batch := events(2)
	res := tr.Send(context.Background(), batch, false)
	if !res.Succeeded() {
		t.Fatalf("expected success, got %v (%v)", res.Status, res.Err)
	}
	if res.StatusCode != http.StatusOK || res.Requests != 1 || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	reqs := h.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Path != transport.PostPath {
		t.Fatalf("path = %q", req.Path)
	}
	if got := req.Header.Get("Content-Type"); got != transport.PostContentType {
		t.Fatalf("content-type = %q", got)
	}
	if got := req.Header.Get("Accept"); got != transport.PostAccept {
		t.Fatalf("accept = %q", got)
	}
	if req.Header.Get(transport.AnonymousHeader) != "" {
		t.Fatal("anonymous header must not be set by default")
	}

	var env struct {
		Schema string           `json:"schema"`
		Data   []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(req.Body, &env); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if env.Schema != model.PayloadSchema {
		t.Fatalf("schema = %q", env.Schema)
	}
	if len(env.Data) != 2 || env.Data[0]["eid"] != "a" || env.Data[1]["eid"] != "b" {
		t.Fatalf("unexpected data %v", env.Data)
	}
	for _, ev := range env.Data {
		if ev[model.SentAtKey] == nil {
			t.Fatalf("sent-at missing in %v", ev)
		}
	}
	for _, ev := range batch {
		if _, ok := ev[model.SentAtKey]; ok {
			t.Fatal("caller's event was mutated")
		}
	}
	if sink.Len() != 2 {
		t.Fatalf("sink has %d events", sink.Len())
	}
}

func TestSyncGetOneRequestPerEvent(t *testing.T) {
	h, sink, host := newCollector(t, collector.Options{})
	tr := transport.NewSync(host, transport.Options{Type: transport.Get, Anonymous: true}, nil)

	res := tr.Send(context.Background(), events(3), false)
	if !res.Succeeded() || res.Requests != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	reqs := h.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	for i, r := range reqs {
		if r.Method != http.MethodGet || r.Path != transport.GetPath {
			t.Fatalf("request %d: %s %s", i, r.Method, r.Path)
		}
		if !strings.Contains(r.Query, "e=pv") || !strings.Contains(r.Query, "stm=") {
			t.Fatalf("request %d query = %q", i, r.Query)
		}
		if r.Header.Get(transport.AnonymousHeader) != "*" {
			t.Fatalf("request %d missing anonymous header", i)
		}
	}
	if sink.Len() != 3 {
		t.Fatalf("sink has %d events", sink.Len())
	}
}

func TestSyncRetryBoundary(t *testing.T) {
	h, _, host := newCollector(t, collector.Options{Status: always(500)})
	m := metrics.New()
	tr := transport.NewSync(host, transport.Options{
		Policy:  retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
		Metrics: m,
	}, nil)

	res := tr.Send(context.Background(), events(1), false)
	if res.Status != transport.StatusFailed {
		t.Fatalf("expected failure, got %v", res.Status)
	}
	if res.Attempts != 2 || h.Count() != 2 {
		t.Fatalf("expected 2 attempts, got result=%d collector=%d", res.Attempts, h.Count())
	}
	if res.StatusCode != 500 {
		t.Fatalf("status code = %d", res.StatusCode)
	}
	var se *transport.StatusError
	if !errors.As(res.Err, &se) || se.Code != 500 {
		t.Fatalf("expected StatusError 500, got %v", res.Err)
	}
	if r, n := atomic.LoadInt64(&m.RetriesTotal), atomic.LoadInt64(&m.RequestsTotal); r != 1 || n != 2 {
		t.Fatalf("metrics retries=%d requests=%d", r, n)
	}
}

func TestSyncNonRetryableShortCircuit(t *testing.T) {
	h, _, host := newCollector(t, collector.Options{Status: always(401)})
	tr := transport.NewSync(host, transport.Options{
		Policy: retry.Policy{MaxAttempts: 5, BaseBackoff: time.Millisecond},
	}, nil)

	res := tr.Send(context.Background(), events(1), false)
	if res.Status != transport.StatusFailed || res.StatusCode != 401 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Attempts != 1 || h.Count() != 1 {
		t.Fatalf("401 must not be retried: attempts=%d", h.Count())
	}
}

func TestSyncNon200SuccessIsFailure(t *testing.T) {
	h, sink, host := newCollector(t, collector.Options{Status: always(http.StatusNoContent)})
	tr := transport.NewSync(host, transport.Options{
		Policy: retry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	}, nil)

	res := tr.Send(context.Background(), events(1), false)
	if res.Succeeded() {
		t.Fatal("204 must not count as delivered")
	}
	if h.Count() != 1 {
		t.Fatalf("2xx must not be retried, got %d attempts", h.Count())
	}
	if sink.Len() != 0 {
		t.Fatal("collector should not record events for non-200 replies")
	}
}

func TestSyncRetryRestampsSentAt(t *testing.T) {
	h, _, host := newCollector(t, collector.Options{
		Status: func(seq int64) int {
			if seq == 1 {
				return http.StatusServiceUnavailable
			}
			return http.StatusOK
		},
	})
	tr := transport.NewSync(host, transport.Options{
		Policy: retry.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
		Now:    tickingClock(),
	}, nil)

	res := tr.Send(context.Background(), events(1), false)
	if !res.Succeeded() || res.Attempts != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	reqs := h.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	stm := func(body []byte) string {
		var env struct {
			Data []map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		s, _ := env.Data[0][model.SentAtKey].(string)
		return s
	}
	first, second := stm(reqs[0].Body), stm(reqs[1].Body)
	if first == "" || first == second {
		t.Fatalf("sent-at not refreshed: %q vs %q", first, second)
	}
}

func TestSyncTransportFailureHasNoStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host := ln.Addr().String()
	ln.Close()

	tr := transport.NewSync(host, transport.Options{
		Timeout: time.Second,
		Policy:  retry.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
	}, nil)

	res := tr.Send(context.Background(), events(1), false)
	if res.Status != transport.StatusFailed || res.StatusCode != 0 || res.Err == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Attempts != 2 {
		t.Fatalf("connection failures are retryable, got %d attempts", res.Attempts)
	}
}

func TestSyncEmptyBatch(t *testing.T) {
	tr := transport.NewSync("localhost", transport.Options{}, nil)
	res := tr.Send(context.Background(), nil, true)
	if res.Status != transport.StatusNoop || !errors.Is(res.Err, transport.ErrNoEvents) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSyncDebugHistory(t *testing.T) {
	_, _, host := newCollector(t, collector.Options{})
	tr := transport.NewSync(host, transport.Options{Type: transport.Get, Debug: true}, nil)

	tr.Send(context.Background(), events(2), false)
	got := tr.RequestResults()
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for _, r := range got {
		if r.Code != 200 || !strings.Contains(r.Data, "e=pv") {
			t.Fatalf("unexpected result %+v", r)
		}
	}

	tr.DebugOff(true)
	tr.Send(context.Background(), events(1), false)
	if n := len(tr.RequestResults()); n != 0 {
		t.Fatalf("history should be cleared and disabled, has %d", n)
	}
}

func TestCollectorURL(t *testing.T) {
	tests := []struct {
		host, proto string
		typ         transport.RequestType
		want        string
	}{
		{"c.example.com", "", transport.Post, "http://c.example.com/com.snowplowanalytics.snowplow/tp2"},
		{"c.example.com:8080", "https", transport.Get, "https://c.example.com:8080/i"},
		{"c.example.com/", "http", transport.Get, "http://c.example.com/i"},
	}
	for _, tt := range tests {
		if got := transport.CollectorURL(tt.host, tt.proto, tt.typ); got != tt.want {
			t.Errorf("CollectorURL(%q, %q, %s) = %q, want %q", tt.host, tt.proto, tt.typ, got, tt.want)
		}
	}

	if transport.ParseRequestType("get") != transport.Get {
		t.Error("get should parse as GET")
	}
	if transport.ParseRequestType("bogus") != transport.Post {
		t.Error("unknown type should fall back to POST")
	}
}
