// internal/retry/state.go
package retry

import (
	"context"
	"time"
)

// State 는 전송 작업 하나의 재시도 카운터.
// 작업 시작 시 새로 만들고, 성공/재시도 소진/영구 실패로 끝나면 버린다.
// socket transport 처럼 재연결을 거치는 경우에도 같은 State 를 계속 들고 간다.
type State struct {
	AttemptCount int
	MaxAttempts  int
	BaseBackoff  time.Duration

	policy Policy
}

// Begin 은 새 시도를 시작할 때 호출한다.
func (s *State) Begin() int {
	s.AttemptCount++
	return s.AttemptCount
}

// ShouldRetry 는 방금 끝난 시도의 결과 code 로 재시도 여부를 판단한다.
func (s *State) ShouldRetry(code int) bool {
	return s.policy.ShouldRetry(code, s.AttemptCount)
}

// Backoff 는 현재 시도 횟수 기준으로 대기한다. 실제 대기한 시간을 반환한다.
func (s *State) Backoff(ctx context.Context) (time.Duration, error) {
	d := s.policy.BackoffDelay(s.AttemptCount)
	return d, s.policy.Wait(ctx, s.AttemptCount)
}
