// internal/transport/dispatch.go
package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DoFunc 는 요청 하나를 (재시도 포함) 끝까지 수행한다.
type DoFunc func(ctx context.Context, r Request) Result

// Roll
// ------------------------------------------------------------
// reqs 를 최대 window 개까지 동시에 보낸다.
//   - 요청 하나가 끝나면 빈 자리를 즉시 다음 요청으로 채운다 (라운드 단위 대기 없음)
//   - 실패가 있어도 형제 요청은 취소하지 않고 끝까지 보낸다
//   - 결과는 all-or-nothing: 전부 성공해야 StatusSent
func Roll(ctx context.Context, reqs []Request, window int, do DoFunc) Result {
	if len(reqs) == 0 {
		return Result{Status: StatusNoop, Err: ErrNoEvents}
	}
	if window < 1 {
		window = 1
	}

	sem := semaphore.NewWeighted(int64(window))
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, r := range reqs {
		// 진행 중인 요청은 취소하지 않으므로 slot 대기는 ctx 와 무관하다
		_ = sem.Acquire(context.Background(), 1)

		wg.Add(1)
		go func(i int, r Request) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = do(ctx, r)
		}(i, r)
	}
	wg.Wait()

	return Combine(results)
}
