// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"sp-emitter/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 프로세스 시작 시 한 번 호출한다.
//   - LOG_PRETTY=true 이면 console writer, 아니면 JSON (stdout)
//   - 모든 줄에 service / instance 필드
//   - LOG_SAMPLE_N > 1 이면 Debug/Info 만 1/N 샘플링 (Warn 이상은 항상 기록)
//   - 표준 log 패키지 출력도 zerolog 로 돌린다
//
// 반환된 Logger 는 emitter / worker 등 컴포넌트에 그대로 주입한다.
func Init(cfg config.Config) zerolog.Logger {
	return InitWriter(cfg, nil)
}

// InitWriter 는 출력 대상을 직접 지정한다 (w 가 nil 이면 stdout).
func InitWriter(cfg config.Config, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	if w == nil {
		w = os.Stdout
	}
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)

	return logger
}
