// internal/spool/names.go
package spool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// names.go
// ------------------------------------------------------------
// spool 디렉토리 구조와 파일명 규칙.
//
//	<root>/w<i>/events-<token>.log      producer 가 넘긴 배치 (worker i 소유)
//	<root>/w<i>/consuming-<token>.log   worker 가 claim 한 배치
//	<root>/failed-logs/failed-<token>.log  전송 실패 배치 사본
//
// failed 파일의 token 은 UUIDv7 이라서 문자열 정렬 = 생성 시각 정렬이다.
// quarantine 에서 가장 오래된 파일을 고를 때 이 성질을 쓴다.
const (
	EventsPrefix  = "events"
	ClaimPrefix   = "consuming-"
	FailedPrefix  = "failed-"
	LogExt        = ".log"
	QuarantineDir = "failed-logs"

	tmpPrefix = ".tmp-"
)

func token() string {
	return uuid.NewString()
}

// sortableToken 은 시간 순 정렬되는 token. v7 생성 실패 시 v4 로 대체한다.
func sortableToken() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func EventsName() string { return EventsPrefix + "-" + token() + LogExt }

func ClaimName() string { return ClaimPrefix + token() + LogExt }

func FailedName() string { return FailedPrefix + sortableToken() + LogExt }

func tmpName() string { return tmpPrefix + token() }

// WorkerDir 는 i 번째 worker 의 디렉토리.
func WorkerDir(root string, i int) string {
	return filepath.Join(root, fmt.Sprintf("w%d", i))
}

// QuarantinePath 는 root 아래 failed-logs 경로.
func QuarantinePath(root string) string {
	return filepath.Join(root, QuarantineDir)
}

// isEventsFile 은 claim 대상인 완성된 배치 파일인지.
func isEventsFile(name string) bool {
	return strings.HasPrefix(name, EventsPrefix) && strings.HasSuffix(name, LogExt)
}

func isFailedFile(name string) bool {
	return strings.HasPrefix(name, FailedPrefix) && strings.HasSuffix(name, LogExt)
}
