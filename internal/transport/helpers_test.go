package transport_test

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sp-emitter/internal/collector"
	"sp-emitter/internal/model"
)

func newCollector(t *testing.T, opts collector.Options) (*collector.Handler, *collector.MemorySink, string) {
	t.Helper()
	sink := collector.NewMemorySink()
	opts.Record = true
	h := collector.NewHandler(sink, opts)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return h, sink, strings.TrimPrefix(srv.URL, "http://")
}

func always(code int) func(int64) int {
	return func(int64) int { return code }
}

func events(n int) model.Batch {
	b := make(model.Batch, n)
	for i := range b {
		b[i] = model.Event{"e": "pv", "eid": string(rune('a' + i)), "dtm": "1700000000000"}
	}
	return b
}

// tickingClock 는 호출마다 1초씩 증가하는 시계.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.UnixMilli(1700000000000)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}
