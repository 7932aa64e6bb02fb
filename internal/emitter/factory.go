// internal/emitter/factory.go
package emitter

import (
	"fmt"

	"sp-emitter/internal/config"
	"sp-emitter/internal/metrics"
	"sp-emitter/internal/spool"
	"sp-emitter/internal/transport"

	"github.com/rs/zerolog"
)

// NewFromConfig 는 SP_EMITTER 값에 맞는 transport 로 Emitter 를 만든다.
//
//	sync    → transport.Sync
//	rolling → transport.Rolling
//	socket  → transport.Socket
//	spool   → spool.Spooler (+ worker launcher)
func NewFromConfig(cfg config.Config, log zerolog.Logger, m *metrics.Metrics) (Delivery, error) {
	if m == nil {
		m = metrics.New()
	}

	typ := transport.ParseRequestType(cfg.RequestType)
	topts := transport.Options{
		Type:      typ,
		Protocol:  cfg.Protocol,
		Timeout:   cfg.RequestTimeout,
		Anonymous: cfg.Anonymous,
		Policy:    cfg.RetryPolicy(),
		Debug:     cfg.Debug,
		Logger:    log,
		Metrics:   m,
	}
	eopts := Options{
		Kind:       Kind(cfg.Emitter),
		BufferSize: cfg.BufferSize,
		Debug:      cfg.Debug,
		Logger:     log,
		Metrics:    m,
	}
	if cfg.Debug {
		eopts.DebugDir = cfg.DebugDir
	}

	switch cfg.Emitter {
	case config.EmitterSync:
		if eopts.BufferSize <= 0 && typ == transport.Get {
			eopts.BufferSize = 1
		}
		return New(transport.NewSync(cfg.CollectorHost, topts, nil), eopts), nil

	case config.EmitterRolling:
		tr := transport.NewRolling(cfg.CollectorHost, topts, nil, cfg.RollingLimit, cfg.RollingWindow)
		return New(tr, eopts), nil

	case config.EmitterSocket:
		return New(transport.NewSocket(cfg.CollectorHost, cfg.SocketTLS, topts, nil), eopts), nil

	case config.EmitterSpool:
		if eopts.BufferSize <= 0 {
			eopts.BufferSize = spool.DefaultBufferSize
		}
		sp, err := spool.NewFromConfig(cfg, log, m)
		if err != nil {
			return nil, err
		}
		return New(sp, eopts), nil

	default:
		return nil, fmt.Errorf("unknown emitter %q", cfg.Emitter)
	}
}
