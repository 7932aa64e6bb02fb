// internal/archive/archive.go
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"sp-emitter/internal/retry"

	"github.com/rs/zerolog"
)

// Uploader 는 object storage 에 한 번 쓰는 최소 인터페이스.
// 재시도는 Archiver 가 담당하고 여기서는 1회 호출만 한다.
type Uploader interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
}

type Options struct {
	Prefix  string
	Timeout time.Duration // Put 1회당 timeout
	Policy  retry.Policy  // 상태 코드가 없으므로 "응답 없음(0)" 규칙으로 판단
	Logger  zerolog.Logger
}

// Archiver
// ------------------------------------------------------------
// quarantine 파일을 gzip 으로 압축해서 off-host 저장소로 올린다.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<name>.gz
//
// 업로드 실패는 retry.Policy 에 따라 backoff 후 재시도하고,
// 최종 실패 시 마지막 오류를 반환한다 (로컬 파일은 호출자가 유지).
type Archiver struct {
	up   Uploader
	opts Options
	log  zerolog.Logger
}

func New(up Uploader, opts Options) *Archiver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Archiver{
		up:   up,
		opts: opts,
		log:  opts.Logger.With().Str("component", "archive").Logger(),
	}
}

// Archive 는 data 를 압축 업로드하고 object key 를 반환한다.
// at 은 파티션 경로 계산 기준 시각.
func (a *Archiver) Archive(ctx context.Context, name string, data []byte, at time.Time) (string, error) {
	gz, err := Compress(data)
	if err != nil {
		return "", fmt.Errorf("compress %s: %w", name, err)
	}

	key := BuildKey(a.opts.Prefix, name+".gz", at)
	st := a.opts.Policy.NewState()

	for {
		n := st.Begin()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		err := a.put(ctx, key, gz)
		if err == nil {
			a.log.Info().Str("key", key).Int("bytes", len(gz)).Msg("quarantine file archived")
			return key, nil
		}

		if !st.ShouldRetry(0) {
			return "", fmt.Errorf("archive %s after %d attempts: %w", key, n, err)
		}
		a.log.Debug().Err(err).Str("key", key).Int("attempt", n).Msg("archive upload failed, retrying")
		if _, werr := st.Backoff(ctx); werr != nil {
			return "", werr
		}
	}
}

func (a *Archiver) put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()
	// body reader 는 시도마다 새로 만든다
	return a.up.Put(ctx, key, bytes.NewReader(body), int64(len(body)))
}

// BuildKey
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// 시각은 UTC 기준이다.
func BuildKey(prefix, filename string, t time.Time) string {
	t = t.UTC()
	if prefix == "" {
		return fmt.Sprintf("dt=%s/hr=%s/%s", t.Format("2006-01-02"), t.Format("15"), filename)
	}
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, t.Format("2006-01-02"), t.Format("15"), filename)
}
