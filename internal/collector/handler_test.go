package collector

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sp-emitter/internal/model"
	"sp-emitter/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

func envelopeBody(t *testing.T, b model.Batch) []byte {
	t.Helper()
	body, err := transport.EncodeEnvelope(b)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandlePostAcceptsEnvelope(t *testing.T) {
	sink := NewMemorySink()
	h := NewHandler(sink, Options{Record: true})

	body := envelopeBody(t, model.Batch{{"e": "pv", "eid": "1"}, {"e": "se", "eid": "2"}})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transport.PostPath, bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sink.Len() != 2 || sink.Events()[1]["eid"] != "2" {
		t.Fatalf("sink = %v", sink.Events())
	}
	if reqs := h.Requests(); len(reqs) != 1 || !bytes.Equal(reqs[0].Body, body) {
		t.Fatalf("recorded = %+v", reqs)
	}
}

func TestHandlePostRejectsBadPayloads(t *testing.T) {
	h := NewHandler(nil, Options{MaxBodySize: 256})

	cases := map[string]string{
		"not json":     "{",
		"wrong schema": `{"schema":"iglu:com.acme/other/jsonschema/1-0-0","data":[{"e":"pv"}]}`,
		"empty data":   `{"schema":"` + model.PayloadSchema + `","data":[]}`,
	}
	for name, body := range cases {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transport.PostPath, strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, rec.Code)
		}
	}

	big := strings.Repeat("x", 1024)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transport.PostPath, strings.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d", rec.Code)
	}
}

func TestHandleGetTakesOneEvent(t *testing.T) {
	sink := NewMemorySink()
	h := NewHandler(sink, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, transport.GetPath+"?e=pv&eid=9&stm=1700000000000", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if sink.Len() != 1 || sink.Events()[0]["eid"] != "9" {
		t.Fatalf("sink = %v", sink.Events())
	}

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, transport.GetPath, nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d", rec.Code)
	}
}

func TestMethodHandling(t *testing.T) {
	h := NewHandler(nil, Options{})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, transport.PostPath, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPut, transport.GetPath+"?e=pv", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PUT status = %d", rec.Code)
	}
	if h.Count() != 0 {
		t.Fatal("rejected methods must not be counted")
	}
}

func TestStatusFuncControlsSink(t *testing.T) {
	sink := NewMemorySink()
	h := NewHandler(sink, Options{Status: func(seq int64) int {
		if seq == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, transport.GetPath+"?e=pv", nil))
		want := http.StatusOK
		if i == 0 {
			want = http.StatusServiceUnavailable
		}
		if rec.Code != want {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	if sink.Len() != 1 || h.Count() != 2 {
		t.Fatalf("sink=%d count=%d", sink.Len(), h.Count())
	}
}

func TestMetricsCountRequestsAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHandler(nil, Options{Metrics: NewMetrics(reg)})

	body := envelopeBody(t, model.Batch{{"e": "pv"}, {"e": "pv"}, {"e": "pv"}})
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, transport.PostPath, bytes.NewReader(body)))

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			got[f.GetName()] += m.GetCounter().GetValue()
		}
	}
	if got["sp_collector_requests_total"] != 1 || got["sp_collector_events_total"] != 3 {
		t.Fatalf("metrics = %v", got)
	}
}

func TestJSONLSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := NewJSONLSink(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write([]model.Event{{"e": "pv"}, {"e": "se"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"se"`) {
		t.Fatalf("file = %q", data)
	}
}
