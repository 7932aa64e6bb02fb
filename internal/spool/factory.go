// internal/spool/factory.go
package spool

import (
	"context"

	"sp-emitter/internal/archive"
	"sp-emitter/internal/config"
	"sp-emitter/internal/metrics"
	"sp-emitter/internal/transport"

	"github.com/rs/zerolog"
)

// NewFromConfig 는 SP_WORKER_MODE 에 맞는 launcher 로 Spooler 를 만든다.
func NewFromConfig(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (*Spooler, error) {
	typ := transport.ParseRequestType(cfg.RequestType)

	var launcher Launcher
	switch cfg.WorkerMode {
	case config.WorkerGoroutine:
		tmpl, err := WorkerTemplate(context.Background(), cfg, log, m)
		if err != nil {
			return nil, err
		}
		launcher = GoroutineLauncher{Template: tmpl}
	default:
		launcher = ExecLauncher{Binary: cfg.WorkerBinary, Logger: log}
	}

	return NewSpooler(Options{
		Root:         cfg.SpoolDir,
		Workers:      cfg.SpoolWorkers,
		URL:          transport.CollectorURL(cfg.CollectorHost, cfg.Protocol, typ),
		Type:         typ,
		PollInterval: cfg.WorkerIdleTimeout,
		Window:       cfg.WorkerWindow,
		BatchSize:    cfg.WorkerBatchSize,
		Launcher:     launcher,
		Logger:       log,
		Metrics:      m,
	})
}

// WorkerTemplate 은 config 의 retry / quarantine / archive 설정을 WorkerOptions 로 옮긴다.
// 경로와 전송 파라미터는 launcher 가 채운다.
func WorkerTemplate(ctx context.Context, cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (WorkerOptions, error) {
	opts := WorkerOptions{
		Timeout:   cfg.RequestTimeout,
		Anonymous: cfg.Anonymous,
		Policy:    cfg.RetryPolicy(),
		MaxAge:    cfg.QuarantineMaxAge,
		MaxBytes:  cfg.QuarantineMaxBytes,
		Logger:    log,
		Metrics:   m,
	}

	a, err := archive.FromConfig(ctx, cfg, log)
	if err != nil {
		return WorkerOptions{}, err
	}
	if a != nil {
		opts.Archiver = a
	}
	return opts, nil
}
