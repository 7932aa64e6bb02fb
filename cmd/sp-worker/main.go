package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sp-emitter/internal/config"
	"sp-emitter/internal/logger"
	"sp-emitter/internal/metrics"
	"sp-emitter/internal/spool"
	"sp-emitter/internal/transport"

	"github.com/spf13/pflag"
)

// flags 는 spooler 가 넘겨주는 worker 인자.
type flags struct {
	dir        string
	quarantine string
	url        string
	typ        string
	timeout    time.Duration
	window     int
	buffer     int
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("sp-worker", pflag.ContinueOnError)
	fs.StringVar(&f.dir, "dir", "", "worker 디렉토리 (events-*.log 를 읽는다)")
	fs.StringVar(&f.quarantine, "quarantine", "", "실패 파일 보관 디렉토리 (기본: <dir>/../failed-logs)")
	fs.StringVar(&f.url, "url", "", "collector 전체 URL")
	fs.StringVar(&f.typ, "type", string(transport.Post), "요청 타입 POST | GET")
	fs.DurationVar(&f.timeout, "timeout", spool.DefaultPollInterval, "빈 poll 후 대기 시간")
	fs.IntVar(&f.window, "window", 0, "동시 in-flight 요청 수 (0 → 타입별 기본값)")
	fs.IntVar(&f.buffer, "buffer", 0, "POST 배치당 이벤트 수 (0 → 타입별 기본값)")

	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if f.dir == "" || f.url == "" {
		return flags{}, errors.New("--dir and --url are required")
	}
	return f, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run
//
// exit code:
//   - 0: idle 종료 또는 signal
//   - 1: 인자/설정 오류, worker 기동 실패, claim rename 실패
func run(args []string) int {

	// ====================================================================
	// 인자 + 설정
	// ====================================================================
	//
	// 경로와 전송 파라미터는 flag 로, retry / quarantine / archive 설정은
	// 부모 프로세스에서 상속한 환경 변수로 받는다.
	// ====================================================================
	f, err := parseFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sp-worker: %v\n", err)
		return 1
	}

	cfg, err := config.WorkerFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sp-worker: invalid configuration: %v\n", err)
		return 1
	}
	log := logger.Init(cfg).With().Str("proc", "sp-worker").Logger()

	// ====================================================================
	// Worker 생성
	// ====================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New()
	opts, err := spool.WorkerTemplate(ctx, cfg, log, m)
	if err != nil {
		log.Error().Err(err).Msg("archive setup failed")
		return 1
	}
	opts.Dir = f.dir
	opts.QuarantineDir = f.quarantine
	opts.URL = f.url
	opts.Type = transport.ParseRequestType(f.typ)
	opts.PollInterval = f.timeout
	opts.Window = f.window
	opts.BatchSize = f.buffer

	w, err := spool.NewWorker(opts)
	if err != nil {
		log.Error().Err(err).Msg("worker start failed")
		return 1
	}

	// ====================================================================
	// 실행
	// ====================================================================
	err = w.Run(ctx)
	log.Info().Str("metrics", m.String()).Msg("worker finished")

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	default:
		log.Error().Err(err).Msg("worker failed")
		return 1
	}
}
