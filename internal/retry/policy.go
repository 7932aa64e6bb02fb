// internal/retry/policy.go
package retry

import (
	"context"
	"math"
	"time"
)

// Policy
// ------------------------------------------------------------
// 전송 실패 시 "다시 보낼지" 와 "얼마나 기다릴지" 를 결정한다.
//
// 판단 규칙:
//   - 시도 횟수가 MaxAttempts 에 도달하면 더 이상 재시도하지 않는다.
//   - [200,300) 범위는 good code → 재시도 대상이 아니다.
//   - NoRetryCodes(영구적인 client 오류 4xx)는 남은 횟수와 상관없이 즉시 종료.
//   - status 0 (응답 자체를 못 받음: DNS, connect, timeout)은 항상 재시도 대상.
//
// Backoff 는 base * 2^(attempt-1) 로 증가하며 상한은 두지 않는다.
// 전체 대기 시간은 MaxAttempts 로 간접 제한된다.
type Policy struct {
	MaxAttempts  int           // 총 시도 횟수 상한 (1 = 재시도 없음)
	BaseBackoff  time.Duration // 첫 번째 재시도 전 대기 시간
	NoRetryCodes []int         // 재시도하지 않는 status code 목록
}

const (
	DefaultMaxAttempts = 1
	DefaultBaseBackoff = 100 * time.Millisecond
)

// DefaultNoRetryCodes: bad request, unauthorized, forbidden, gone, unprocessable
var DefaultNoRetryCodes = []int{400, 401, 403, 410, 422}

// DefaultPolicy 는 재시도 없음(MaxAttempts=1), base 100ms 정책을 반환한다.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseBackoff:  DefaultBaseBackoff,
		NoRetryCodes: DefaultNoRetryCodes,
	}
}

// withDefaults 는 zero value 필드를 기본값으로 채운다.
// NoRetryCodes 가 nil 이면 기본 목록, 빈 slice 이면 "차단 목록 없음" 으로 취급한다.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultBaseBackoff
	}
	if p.NoRetryCodes == nil {
		p.NoRetryCodes = DefaultNoRetryCodes
	}
	return p
}

// IsGoodStatus 는 2xx 범위 여부.
func IsGoodStatus(code int) bool {
	return code >= 200 && code < 300
}

// ShouldRetry 는 attempts 번 시도한 뒤 code 를 받은 상황에서 재시도 여부를 반환한다.
func (p Policy) ShouldRetry(code, attempts int) bool {
	p = p.withDefaults()

	if attempts >= p.MaxAttempts {
		return false
	}
	if IsGoodStatus(code) {
		return false
	}
	for _, c := range p.NoRetryCodes {
		if c == code {
			return false
		}
	}
	return true
}

// BackoffDelay 는 attempts 번째 실패 뒤 기다릴 시간. base * 2^(attempts-1)
func (p Policy) BackoffDelay(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		return 0
	}

	shift := attempts - 1
	// overflow 시 최대값으로 고정 (사실상 도달할 일 없음)
	if shift >= 62 || p.BaseBackoff > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return p.BaseBackoff << shift
}

// Wait 는 BackoffDelay(attempts) 만큼 대기한다.
// ctx 가 먼저 끝나면 ctx.Err() 를 반환한다.
func (p Policy) Wait(ctx context.Context, attempts int) error {
	d := p.BackoffDelay(attempts)
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewState 는 하나의 논리적 전송 작업에 쓰일 RetryState 를 만든다.
func (p Policy) NewState() *State {
	p = p.withDefaults()
	return &State{
		MaxAttempts: p.MaxAttempts,
		BaseBackoff: p.BaseBackoff,
		policy:      p,
	}
}
