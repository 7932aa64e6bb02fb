// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"sp-emitter/internal/retry"

	"github.com/joho/godotenv"
)

// Config
//
// emitter 를 품은 프로세스(호스트 앱, sp-worker, collector)가 쓰는 환경 변수 설정.
// Load() 시점에 한 번 만들어지고 이후에는 변경하지 않는다.
type Config struct {

	// ---------------------------
	// 프로세스 식별 / 로깅
	// ---------------------------

	ServiceName string
	InstanceID  string // hostname, 실패 시 랜덤 hex
	LogLevel    string
	LogPretty   bool
	LogSampleN  uint32

	// ---------------------------
	// collector / 전송 방식
	// ---------------------------

	CollectorHost  string        // host[:port], scheme 제외
	Protocol       string        // http | https
	RequestType    string        // POST | GET
	Emitter        string        // sync | rolling | socket | spool
	BufferSize     int           // 0 → emitter 종류별 기본값
	RequestTimeout time.Duration // 요청 1회 timeout
	Anonymous      bool          // SP-Anonymous: * 헤더

	// ---------------------------
	// Retry 정책
	// ---------------------------
	// 기본은 재시도 없음 (MaxAttempts=1).
	// 재시도 횟수는 transport 내부 retry.State 만 관리한다.

	MaxAttempts  int
	BackoffBase  time.Duration
	NoRetryCodes []int // nil → retry.DefaultNoRetryCodes

	// ---------------------------
	// rolling / socket
	// ---------------------------

	RollingLimit  int // 누적 요청 수 (0 → 요청 타입별 기본값)
	RollingWindow int // 동시 in-flight 수 (0 → 요청 타입별 기본값)
	SocketTLS     bool

	// ---------------------------
	// spool + worker
	// ---------------------------

	SpoolDir          string
	SpoolWorkers      int
	WorkerMode        string // exec | goroutine
	WorkerBinary      string
	WorkerIdleTimeout time.Duration // 빈 poll 사이 대기 시간
	WorkerWindow      int
	WorkerBatchSize   int

	// ---------------------------
	// debug
	// ---------------------------

	Debug    bool
	DebugDir string

	// ---------------------------
	// 로컬 quarantine (failed-logs)
	// ---------------------------

	QuarantineMaxAge   time.Duration // 0 → TTL 없음
	QuarantineMaxBytes int64         // 0 → 용량 제한 없음

	// ---------------------------
	// quarantine archive (off-host)
	// ---------------------------

	ArchiveBackend string // none | s3 | minio
	ArchiveBucket  string
	ArchivePrefix  string
	ArchiveRetries int
	ArchiveTimeout time.Duration
	AWSRegion      string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOTLS       bool

	// ---------------------------
	// background pipeline
	// ---------------------------

	FlushInterval time.Duration
	QueueSize     int

	// ---------------------------
	// reference collector 바이너리
	// ---------------------------

	CollectorAddr string
	MetricsAddr   string
	SinkPath      string
}

const (
	EmitterSync    = "sync"
	EmitterRolling = "rolling"
	EmitterSocket  = "socket"
	EmitterSpool   = "spool"

	ArchiveNone  = "none"
	ArchiveS3    = "s3"
	ArchiveMinIO = "minio"

	WorkerExec      = "exec"
	WorkerGoroutine = "goroutine"
)

// Load
//
// .env(있으면) → 환경 변수 순으로 Config 를 만든다.
// 필수 값이 없거나 형식이 잘못되면 즉시 종료한다 (fail-fast).
func Load() Config {
	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	return cfg
}

// FromEnv 는 Load 와 같지만 종료하지 않고 모든 오류를 모아서 반환한다.
func FromEnv() (Config, error) {
	return fromEnv(true)
}

// WorkerFromEnv 는 sp-worker 용. collector 주소는 flag 로 받으므로 필수가 아니다.
func WorkerFromEnv() (Config, error) {
	return fromEnv(false)
}

func fromEnv(requireCollector bool) (Config, error) {
	_ = godotenv.Load()

	l := &envLoader{}
	cfg := Config{
		ServiceName: l.opt("SERVICE_NAME", "sp-emitter"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    l.opt("LOG_LEVEL", "info"),
		LogPretty:   l.optBool("LOG_PRETTY", false),
		LogSampleN:  uint32(l.optInt("LOG_SAMPLE_N", 0)),

		CollectorHost:  l.opt("SP_COLLECTOR_HOST", ""),
		Protocol:       strings.ToLower(l.opt("SP_PROTOCOL", "http")),
		RequestType:    strings.ToUpper(l.opt("SP_REQUEST_TYPE", "POST")),
		Emitter:        strings.ToLower(l.opt("SP_EMITTER", EmitterSync)),
		BufferSize:     l.optInt("SP_BUFFER_SIZE", 0),
		RequestTimeout: l.optDur("SP_REQUEST_TIMEOUT", 30*time.Second),
		Anonymous:      l.optBool("SP_ANONYMOUS", false),

		MaxAttempts:  l.optInt("SP_MAX_ATTEMPTS", 1),
		BackoffBase:  l.optDur("SP_BACKOFF_BASE", 100*time.Millisecond),
		NoRetryCodes: l.optInts("SP_NO_RETRY_CODES"),

		RollingLimit:  l.optInt("SP_ROLLING_LIMIT", 0),
		RollingWindow: l.optInt("SP_ROLLING_WINDOW", 0),
		SocketTLS:     l.optBool("SP_SOCKET_TLS", false),

		SpoolDir:          l.opt("SP_SPOOL_DIR", "sp-spool"),
		SpoolWorkers:      l.optInt("SP_SPOOL_WORKERS", 2),
		WorkerMode:        strings.ToLower(l.opt("SP_WORKER_MODE", WorkerExec)),
		WorkerBinary:      l.opt("SP_WORKER_BINARY", "sp-worker"),
		WorkerIdleTimeout: l.optDur("SP_WORKER_IDLE_TIMEOUT", 15*time.Second),
		WorkerWindow:      l.optInt("SP_WORKER_WINDOW", 0),
		WorkerBatchSize:   l.optInt("SP_WORKER_BATCH_SIZE", 0),

		Debug:    l.optBool("SP_DEBUG", false),
		DebugDir: l.opt("SP_DEBUG_DIR", "debug"),

		QuarantineMaxAge:   l.optDur("SP_QUARANTINE_MAX_AGE", 0),
		QuarantineMaxBytes: l.optInt64("SP_QUARANTINE_MAX_BYTES", 0),

		ArchiveBackend: strings.ToLower(l.opt("SP_ARCHIVE_BACKEND", ArchiveNone)),
		ArchivePrefix:  l.opt("SP_ARCHIVE_PREFIX", "failed-logs"),
		ArchiveRetries: l.optInt("SP_ARCHIVE_RETRIES", 3),
		ArchiveTimeout: l.optDur("SP_ARCHIVE_TIMEOUT", 10*time.Second),
		MinIOTLS:       l.optBool("SP_MINIO_TLS", true),

		FlushInterval: l.optDur("SP_FLUSH_INTERVAL", 5*time.Second),
		QueueSize:     l.optInt("SP_QUEUE_SIZE", 10000),

		CollectorAddr: l.opt("SP_COLLECTOR_ADDR", ":8080"),
		MetricsAddr:   l.opt("SP_METRICS_ADDR", ""),
		SinkPath:      l.opt("SP_SINK_PATH", "events.jsonl"),
	}

	if requireCollector && cfg.CollectorHost == "" {
		l.fail("missing required env: SP_COLLECTOR_HOST")
	}

	switch cfg.ArchiveBackend {
	case ArchiveNone:
	case ArchiveS3:
		cfg.ArchiveBucket = l.must("SP_ARCHIVE_BUCKET")
		cfg.AWSRegion = l.must("AWS_REGION")
	case ArchiveMinIO:
		cfg.ArchiveBucket = l.must("SP_ARCHIVE_BUCKET")
		cfg.MinIOEndpoint = l.must("SP_MINIO_ENDPOINT")
		cfg.MinIOAccessKey = l.must("SP_MINIO_ACCESS_KEY")
		cfg.MinIOSecretKey = l.must("SP_MINIO_SECRET_KEY")
	default:
		l.fail("SP_ARCHIVE_BACKEND must be one of none|s3|minio, got %q", cfg.ArchiveBackend)
	}

	switch cfg.Emitter {
	case EmitterSync, EmitterRolling, EmitterSocket, EmitterSpool:
	default:
		l.fail("SP_EMITTER must be one of sync|rolling|socket|spool, got %q", cfg.Emitter)
	}
	if cfg.RequestType != "POST" && cfg.RequestType != "GET" {
		l.fail("SP_REQUEST_TYPE must be POST or GET, got %q", cfg.RequestType)
	}
	if cfg.MaxAttempts < 1 {
		l.fail("SP_MAX_ATTEMPTS must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.WorkerMode != WorkerExec && cfg.WorkerMode != WorkerGoroutine {
		l.fail("SP_WORKER_MODE must be exec or goroutine, got %q", cfg.WorkerMode)
	}

	if err := l.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetryPolicy 는 전송용 retry 정책.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxAttempts,
		BaseBackoff:  c.BackoffBase,
		NoRetryCodes: c.NoRetryCodes,
	}
}

// envLoader
//
// must*/opt* 공통 패턴.
// 첫 오류에서 멈추지 않고 모든 설정 오류를 모아서 한 번에 보고한다.
type envLoader struct {
	errs []error
}

func (l *envLoader) fail(format string, args ...any) {
	l.errs = append(l.errs, fmt.Errorf(format, args...))
}

func (l *envLoader) err() error {
	return errors.Join(l.errs...)
}

func (l *envLoader) must(key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		l.fail("missing required env: %s", key)
	}
	return v
}

func (l *envLoader) opt(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *envLoader) optInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail("invalid int env %s=%q: %v", key, v, err)
		return def
	}
	return n
}

// optInts 는 "400,401,403" 형식. 비어 있으면 nil.
func (l *envLoader) optInts(key string) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			l.fail("invalid int list env %s=%q: %v", key, v, err)
			return nil
		}
		out = append(out, n)
	}
	return out
}

func (l *envLoader) optInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.fail("invalid int64 env %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func (l *envLoader) optBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail("invalid bool env %s=%q: %v", key, v, err)
		return def
	}
	return b
}

func (l *envLoader) optDur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail("invalid duration env %s=%q: %v", key, v, err)
		return def
	}
	return d
}

// fallbackInstanceID
//
// 프로세스 식별 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
