package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tillpoint/tillpoint/internal/app"
	"github.com/tillpoint/tillpoint/internal/events"
	jobmetrics "github.com/tillpoint/tillpoint/internal/jobs"
	platformcache "github.com/tillpoint/tillpoint/internal/platform/cache"
	"github.com/tillpoint/tillpoint/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := platformcache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	deliverer := jobs.NewDeliverer(jobs.DelivererConfig{
		Redis:     redisClient,
		KeyPrefix: cfg.CacheKeyPrefix,
		DedupeTTL: cfg.EventsDedupeTTL,
		Metrics:   jobmetrics.NewMetrics(prometheus.DefaultRegisterer),
		Logger:    logger,
	})
	deliverer.Route(jobs.NewSearchIndexer(logger), jobs.IndexedTypes...)
	deliverer.Route(jobs.NewLowStockNotifier(logger), events.StockLow)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.EventsConcurrency,
		Handlers:    []jobs.TaskHandler{deliverer.TaskHandler()},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
