// internal/spool/quarantine.go
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"sp-emitter/internal/metrics"

	"github.com/rs/zerolog"
)

// Archiver 는 quarantine 파일을 off-host 로 옮기는 저장소.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte, at time.Time) (string, error)
}

type QuarantineOptions struct {
	Dir      string
	MaxAge   time.Duration // 0 → TTL 없음 (mtime 기준)
	MaxBytes int64         // 0 → 용량 제한 없음
	Archiver Archiver      // nil → 로컬 보관만

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Quarantine
// ------------------------------------------------------------
// 전송에 실패한 spool 파일의 사본을 보관한다 (failed-logs/).
//
//   - Save: claim 된 파일을 복사 (원본은 호출자가 삭제)
//   - 용량 제한: 넘치면 가장 오래된 파일부터 삭제
//   - ProcessOne: 가장 오래된 파일 1개에 대해 TTL 만료 삭제 또는 archive 업로드
//
// 같은 디렉토리를 여러 worker (goroutine 또는 프로세스) 가 공유한다.
// 크기/개수는 인스턴스에 캐시하지 않고 매번 디렉토리 목록에서 계산하며,
// 파일 단위 연산은 "이미 사라졌을 수 있음" 을 정상으로 취급한다.
type Quarantine struct {
	opts    QuarantineOptions
	log     zerolog.Logger
	metrics *metrics.Metrics
	remove  func(path string) error

	mu sync.Mutex // 같은 프로세스 안의 Save / eviction 직렬화
}

// quarantined 는 failed 파일 하나.
type quarantined struct {
	name    string
	size    int64
	modTime time.Time
}

// NewQuarantine 은 디렉토리를 만들고 기존 파일 크기/개수를 gauge 에 반영한다.
func NewQuarantine(opts QuarantineOptions) (*Quarantine, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create quarantine dir %s: %w", opts.Dir, err)
	}
	if _, err := os.ReadDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("scan quarantine dir: %w", err)
	}

	q := &Quarantine{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "quarantine").Logger(),
		metrics: opts.Metrics,
		remove:  os.Remove,
	}

	q.mu.Lock()
	q.scanLocked()
	q.mu.Unlock()
	return q, nil
}

func (q *Quarantine) Dir() string { return q.opts.Dir }

// SizeBytes 는 디렉토리에 현재 보관 중인 failed 파일 총 크기.
func (q *Quarantine) SizeBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, total := q.scanLocked()
	return total
}

// Save 는 src 를 failed-<token>.log 로 복사하고 그 경로를 반환한다.
// 용량을 확보할 수 없으면 ("", nil) 을 반환하고 배치는 버려진다.
func (q *Quarantine) Save(src string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	size := info.Size()

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ensureCapacity(size) {
		q.log.Error().Str("file", filepath.Base(src)).Int64("bytes", size).Msg("quarantine full, dropping failed batch")
		return "", nil
	}

	// 다른 worker 가 복사 중인 파일을 고르지 않도록 tmp 에 쓰고 rename
	tmp := filepath.Join(q.opts.Dir, tmpName())
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	dst := filepath.Join(q.opts.Dir, FailedName())
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	q.scanLocked()
	q.metrics.Add(&q.metrics.SpoolFilesQuarantinedTotal, 1)

	q.log.Warn().Str("file", filepath.Base(dst)).Int64("bytes", size).Msg("failed batch quarantined")
	return dst, nil
}

// ensureCapacity 는 MaxBytes 를 넘지 않도록 가장 오래된 파일부터 지운다.
// 공간을 만들 수 없거나 삭제가 실패하면 false. q.mu 를 잡은 상태로 호출한다.
func (q *Quarantine) ensureCapacity(incoming int64) bool {
	limit := q.opts.MaxBytes
	if limit <= 0 {
		return true
	}
	if incoming > limit {
		return false
	}

	for {
		files, total := q.scanLocked()
		if total+incoming <= limit {
			return true
		}
		if len(files) == 0 {
			return false
		}

		oldest := files[0].name
		if err := q.removeLocked(oldest); err != nil {
			q.log.Error().Err(err).Str("file", oldest).Msg("quarantine eviction failed")
			return false
		}
		q.metrics.Add(&q.metrics.QuarantineFilesExpiredTotal, 1)
		q.log.Warn().Str("file", oldest).Msg("quarantine capacity, removed oldest")
	}
}

// ProcessOne 은 가장 오래된 파일 1개를 처리한다.
//  1. TTL 초과 → 삭제
//  2. Archiver 가 있으면 업로드 후 로컬 삭제 (실패 시 유지)
func (q *Quarantine) ProcessOne(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	q.mu.Lock()
	files, _ := q.scanLocked()
	q.mu.Unlock()
	if len(files) == 0 {
		return
	}
	oldest := files[0]
	name := oldest.name

	if q.opts.MaxAge > 0 {
		if age := q.opts.Now().Sub(oldest.modTime); age > q.opts.MaxAge {
			q.mu.Lock()
			err := q.removeLocked(name)
			q.mu.Unlock()
			if err != nil {
				q.log.Warn().Err(err).Str("file", name).Msg("quarantine TTL delete failed")
				return
			}
			q.metrics.Add(&q.metrics.QuarantineFilesExpiredTotal, 1)
			q.log.Info().Str("file", name).Dur("age", age).Msg("quarantine TTL expired")
			return
		}
	}

	if q.opts.Archiver == nil {
		return
	}

	data, err := os.ReadFile(filepath.Join(q.opts.Dir, name))
	if err != nil {
		// 다른 worker 가 먼저 처리했을 수 있다
		q.log.Debug().Err(err).Str("file", name).Msg("quarantine read failed")
		return
	}
	key, err := q.opts.Archiver.Archive(ctx, name, data, oldest.modTime)
	if err != nil {
		q.log.Warn().Err(err).Str("file", name).Msg("quarantine archive failed")
		return
	}

	q.mu.Lock()
	err = q.removeLocked(name)
	q.mu.Unlock()
	if err != nil {
		q.log.Warn().Err(err).Str("file", name).Str("key", key).Msg("archived file could not be removed")
		return
	}
	q.metrics.Add(&q.metrics.QuarantineFilesArchivedTotal, 1)
	q.log.Info().Str("file", name).Str("key", key).Msg("quarantine file archived")
}

// removeLocked 는 파일을 지우고 gauge 를 맞춘다.
// 이미 사라진 파일은 성공으로 본다.
func (q *Quarantine) removeLocked(name string) error {
	err := q.remove(filepath.Join(q.opts.Dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	q.scanLocked()
	return nil
}

// scanLocked 는 failed 파일 목록(이름 순 = 생성 순)과 총 크기를 디렉토리에서 읽고
// gauge 를 그 값으로 맞춘다.
func (q *Quarantine) scanLocked() ([]quarantined, int64) {
	entries, err := os.ReadDir(q.opts.Dir)
	if err != nil {
		q.log.Warn().Err(err).Msg("quarantine scan failed")
		return nil, 0
	}

	var (
		files []quarantined
		total int64
	)
	for _, e := range entries {
		if e.IsDir() || !isFailedFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, quarantined{name: e.Name(), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })

	q.metrics.Set(&q.metrics.QuarantineSizeBytes, total)
	q.metrics.Set(&q.metrics.QuarantineFilesCurrent, int64(len(files)))
	return files, total
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
