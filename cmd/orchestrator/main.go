// Package main provides the orchestrator entry point. The orchestrator
// consumes submissions from the ingress queue, seeds the durable job
// record, and fans per-modality task requests out to the worker fleet.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/content-moderator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
	"github.com/fairyhunter13/content-moderator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/content-moderator/internal/config"
	"github.com/fairyhunter13/content-moderator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	gateway, err := rabbitmq.New(cfg)
	if err != nil {
		slog.Error("broker setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Error("broker close failed", slog.Any("error", err))
		}
	}()

	submit := usecase.NewSubmitService(postgres.NewJobRepo(pool), gateway, cfg.ServiceID)

	slog.Info("orchestrator started, consuming submissions",
		slog.String("queue", cfg.IngressQueueName))
	if err := gateway.ConsumeIngress(ctx, func(ctx context.Context, body []byte) error {
		_, err := submit.Submit(ctx, body)
		return err
	}); err != nil {
		slog.Error("consume loop error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("orchestrator stopped")
}
