// Package main provides the aggregator entry point. The aggregator
// consumes partial worker results, folds them into a final verdict once
// every expected worker has reported, persists the decision, and
// publishes the single completion event.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/content-moderator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/content-moderator/internal/adapter/fleet/dockerfleet"
	"github.com/fairyhunter13/content-moderator/internal/adapter/observability"
	"github.com/fairyhunter13/content-moderator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/content-moderator/internal/adapter/state/redisagg"
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

	slog.Info("starting aggregator", slog.String("env", cfg.AppEnv))

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

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis connection failed", slog.Any("error", err))
		os.Exit(1)
	}

	dockerCli, err := dockerfleet.NewDockerClient(cfg.DockerHost)
	if err != nil {
		slog.Error("docker client setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	registry, err := dockerfleet.New(ctx, dockerCli, cfg.ModerationLabel, cfg.ModerationTypeLabelKey)
	if err != nil {
		slog.Error("fleet registry setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	go registry.Run(ctx)

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

	agg := usecase.NewAggregateService(
		redisagg.New(rdb),
		registry,
		postgres.NewTaskRepo(pool),
		postgres.NewJobRepo(pool),
		postgres.NewDecisionRepo(pool),
		cfg.AggregationTTL,
		cfg.ServiceID,
	)

	slog.Info("aggregator started, consuming results",
		slog.String("queue", cfg.ResultQueueName))
	if err := gateway.ConsumeResults(ctx, agg.HandleResult, agg.Cleanup); err != nil {
		slog.Error("consume loop error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("aggregator stopped")
}
