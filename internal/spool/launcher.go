// internal/spool/launcher.go
package spool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"sp-emitter/internal/transport"

	"github.com/rs/zerolog"
)

// WorkerSpec 은 worker 하나를 띄우는 데 필요한 값.
type WorkerSpec struct {
	Index         int
	Dir           string
	QuarantineDir string
	URL           string
	Type          transport.RequestType
	PollInterval  time.Duration
	Window        int
	BatchSize     int
}

// Args 는 sp-worker 명령행 인자.
func (s WorkerSpec) Args() []string {
	return []string{
		"--dir", s.Dir,
		"--quarantine", s.QuarantineDir,
		"--url", s.URL,
		"--type", string(s.Type),
		"--timeout", s.PollInterval.String(),
		"--window", strconv.Itoa(s.Window),
		"--buffer", strconv.Itoa(s.BatchSize),
	}
}

// Handle 은 실행 중인 worker. Done 은 worker 가 끝나면 닫힌다.
type Handle interface {
	Done() <-chan struct{}
}

// Launcher 는 worker 를 non-blocking 으로 띄운다.
type Launcher interface {
	Launch(spec WorkerSpec) (Handle, error)
}

type doneHandle chan struct{}

func (h doneHandle) Done() <-chan struct{} { return h }

// ExecLauncher
// ------------------------------------------------------------
// sp-worker 바이너리를 별도 프로세스로 띄운다.
// 표준 입출력은 연결하지 않으며, 종료는 내부 goroutine 이 Wait 로 회수한다.
type ExecLauncher struct {
	Binary string
	Env    []string // nil → 현재 프로세스 환경 상속
	Logger zerolog.Logger
}

func (l ExecLauncher) Launch(spec WorkerSpec) (Handle, error) {
	cmd := exec.Command(l.Binary, spec.Args()...)
	cmd.Env = l.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", spec.Index, err)
	}

	log := l.Logger.With().Str("component", "launcher").Int("worker", spec.Index).Int("pid", cmd.Process.Pid).Logger()
	log.Info().Msg("spool worker spawned")

	done := make(doneHandle)
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			log.Warn().Err(err).Msg("spool worker exited with error")
			return
		}
		log.Debug().Msg("spool worker exited")
	}()
	return done, nil
}

// GoroutineLauncher
// ------------------------------------------------------------
// worker 를 같은 프로세스의 goroutine 으로 돌린다.
// 파일시스템 프로토콜은 ExecLauncher 와 동일하다.
// subprocess 를 띄울 수 없는 호스트와 테스트에서 쓴다.
type GoroutineLauncher struct {
	Ctx context.Context

	// Template 의 Dir / URL / Type / PollInterval / Window / BatchSize 는
	// WorkerSpec 값으로 덮어쓴다.
	Template WorkerOptions
}

func (l GoroutineLauncher) Launch(spec WorkerSpec) (Handle, error) {
	opts := l.Template
	opts.Dir = spec.Dir
	opts.QuarantineDir = spec.QuarantineDir
	opts.URL = spec.URL
	opts.Type = spec.Type
	opts.PollInterval = spec.PollInterval
	opts.Window = spec.Window
	opts.BatchSize = spec.BatchSize

	w, err := NewWorker(opts)
	if err != nil {
		return nil, fmt.Errorf("start worker %d: %w", spec.Index, err)
	}

	ctx := l.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	done := make(doneHandle)
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			opts.Logger.Error().Err(err).Int("worker", spec.Index).Msg("spool worker stopped")
		}
	}()
	return done, nil
}
