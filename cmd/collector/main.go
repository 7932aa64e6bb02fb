package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sp-emitter/internal/collector"
	"sp-emitter/internal/config"
	"sp-emitter/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {

	// ====================================================================
	// Config & Logger
	// ====================================================================
	//
	// collector 바이너리는 SP_COLLECTOR_HOST 가 필요 없다 (자기 자신이 collector).
	// SP_COLLECTOR_ADDR 에서 listen 하고 받은 이벤트는 SP_SINK_PATH 에 JSONL 로 남긴다.
	// ====================================================================
	cfg, err := config.WorkerFromEnv()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.Init(cfg).With().Str("proc", "collector").Logger()

	sink, err := collector.NewJSONLSink(cfg.SinkPath)
	if err != nil {
		log.Fatal().Err(err).Msg("sink open failed")
	}

	// ====================================================================
	// Metrics (Prometheus)
	// ====================================================================
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := collector.NewHandler(sink, collector.Options{
		Logger:  log,
		Metrics: collector.NewMetrics(reg),
	})

	// ====================================================================
	// HTTP Handler
	// ====================================================================
	//
	// 엔드포인트:
	//  - /i, /com.snowplowanalytics.snowplow/tp2 : tracker 수집 경로
	//  - /metrics : Prometheus
	//  - /health  : health check
	//
	// SP_METRICS_ADDR 가 있으면 /metrics 는 별도 listener 로 뺀다.
	// ====================================================================
	mux := h.Routes()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mm := http.NewServeMux()
		mm.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mm,
			ReadHeaderTimeout: 5 * time.Second,
		}
	} else {
		mux.Handle("/metrics", metricsHandler)
	}

	// ====================================================================
	// HTTP 서버
	// ====================================================================
	//
	// tracker 요청은 작은 JSON / query string 이므로 timeout 을 짧게 둔다.
	// ====================================================================
	srv := &http.Server{
		Addr:         cfg.CollectorAddr,
		Handler:      mux,
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM/SIGINT 수신 시:
	//   1) listener 종료 (진행 중 요청은 마무리)
	//   2) sink flush + close
	// ====================================================================
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("metrics shutdown")
			}
		}
	}()

	if metricsSrv != nil {
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server terminated")
			}
		}()
	}

	log.Info().Str("addr", cfg.CollectorAddr).Str("sink", cfg.SinkPath).Msg("collector listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	<-done
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("sink close failed")
	}
	log.Info().Int64("requests", h.Count()).Msg("shutdown complete")
}
