package transport_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sp-emitter/internal/collector"
	"sp-emitter/internal/model"
	"sp-emitter/internal/transport"
)

func TestRollKeepsWindowFull(t *testing.T) {
	const window = 3

	reqs := make([]transport.Request, 10)
	for i := range reqs {
		reqs[i] = transport.Request{Type: transport.Get, Events: model.Batch{{"i": i}}}
	}

	var (
		inFlight, peak atomic.Int64
		others         atomic.Int64
		release        = make(chan struct{})
		once           sync.Once
	)

	do := func(_ context.Context, r transport.Request) transport.Result {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}

		if r.Events[0]["i"] == 0 {
			// 첫 요청은 나머지 9개가 모두 시작될 때까지 slot 을 점유한다.
			// 라운드 단위로 보낸다면 여기서 진행이 멈춘다.
			select {
			case <-release:
			case <-time.After(2 * time.Second):
				return transport.Result{Status: transport.StatusFailed, Requests: 1, Attempts: 1}
			}
		} else {
			time.Sleep(5 * time.Millisecond)
			if others.Add(1) == int64(len(reqs)-1) {
				once.Do(func() { close(release) })
			}
		}
		return transport.Result{Status: transport.StatusSent, StatusCode: 200, Requests: 1, Attempts: 1}
	}

	res := transport.Roll(context.Background(), reqs, window, do)
	if !res.Succeeded() {
		t.Fatal("slots were not refilled while the slow request was in flight")
	}
	if res.Requests != 10 {
		t.Fatalf("expected 10 requests, got %d", res.Requests)
	}
	if p := peak.Load(); p > window {
		t.Fatalf("window exceeded: %d in flight", p)
	}
}

func TestRollingWindowAgainstCollector(t *testing.T) {
	h, sink, host := newCollector(t, collector.Options{Delay: 20 * time.Millisecond})
	tr := transport.NewRolling(host, transport.Options{Type: transport.Get}, nil, 10, 3)

	res := tr.Send(context.Background(), events(10), false)
	if !res.Succeeded() || res.Requests != 10 {
		t.Fatalf("unexpected result %+v", res)
	}
	if p := h.MaxInFlight(); p > 3 || p < 2 {
		t.Fatalf("max in flight = %d, want between 2 and 3", p)
	}
	if sink.Len() != 10 {
		t.Fatalf("sink has %d events", sink.Len())
	}
}

func TestRollingAccumulatesUntilLimit(t *testing.T) {
	h, _, host := newCollector(t, collector.Options{})
	tr := transport.NewRolling(host, transport.Options{Type: transport.Post}, nil, 3, 2)

	res := tr.Send(context.Background(), events(2), false)
	if res.Status != transport.StatusDeferred {
		t.Fatalf("expected deferred, got %v", res.Status)
	}
	if !strings.Contains(res.Detail(), "count 1 - limit 3") {
		t.Fatalf("detail = %q", res.Detail())
	}
	res = tr.Send(context.Background(), events(1), false)
	if res.Status != transport.StatusDeferred || tr.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d (%v)", tr.Pending(), res.Status)
	}
	if h.Count() != 0 {
		t.Fatal("nothing should be sent before the limit")
	}

	res = tr.Send(context.Background(), events(1), false)
	if !res.Succeeded() || res.Requests != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.Count() != 3 || tr.Pending() != 0 {
		t.Fatalf("collector=%d pending=%d", h.Count(), tr.Pending())
	}
}

func TestRollingForceFlushesPending(t *testing.T) {
	h, _, host := newCollector(t, collector.Options{})
	tr := transport.NewRolling(host, transport.Options{}, nil, 50, 10)

	tr.Send(context.Background(), events(1), false)
	res := tr.Send(context.Background(), nil, true)
	if !res.Succeeded() || h.Count() != 1 {
		t.Fatalf("force should send pending requests: %+v", res)
	}

	res = tr.Send(context.Background(), nil, true)
	if res.Status != transport.StatusNoop {
		t.Fatalf("force with nothing pending should be a no-op, got %v", res.Status)
	}
}

func TestRollingAllOrNothing(t *testing.T) {
	h, sink, host := newCollector(t, collector.Options{
		Status: func(seq int64) int {
			if seq == 2 {
				return 500
			}
			return 200
		},
	})
	tr := transport.NewRolling(host, transport.Options{Type: transport.Get}, nil, 5, 2)

	res := tr.Send(context.Background(), events(5), false)
	if res.Status != transport.StatusFailed {
		t.Fatalf("one failed request must fail the batch, got %v", res.Status)
	}
	if !strings.Contains(res.Err.Error(), "status 500") {
		t.Fatalf("error = %v", res.Err)
	}
	// 실패한 요청과 무관하게 나머지는 끝까지 전송된다
	if h.Count() != 5 || sink.Len() != 4 {
		t.Fatalf("collector=%d sink=%d", h.Count(), sink.Len())
	}
}
