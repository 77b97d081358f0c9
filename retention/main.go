package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
)

type outcomePruner interface {
	DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

func main() {
	log := logger.New("retention")
	cfg, err := config.LoadRetention()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	client, err := opensearch.New(opensearch.ConfigFrom(cfg.Common), log)
	if err != nil {
		log.Error("init opensearch", slog.Any("err", err))
		os.Exit(1)
	}
	store := opensearch.NewOutcomeStore(client, cfg.ResultsIndex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := opensearch.WaitForCluster(ctx, store.Ping, opensearch.DefaultWaitPolicy, log); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown signal received during startup")
			return
		}
		log.Error("connect to opensearch", slog.Any("err", err))
		stop()
		os.Exit(1)
	}

	log.Info("retention job running",
		slog.String("index", store.Index()),
		slog.Duration("interval", cfg.Interval),
		slog.Duration("max_age", cfg.MaxAge),
	)
	loop(ctx, log, store, cfg)
	log.Info("shutdown signal received")
}

// loop prunes once immediately and then on every tick until ctx ends.
func loop(ctx context.Context, log *slog.Logger, store outcomePruner, cfg *config.Retention) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	runOnce(ctx, log, store, cfg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, log, store, cfg)
		}
	}
}

func runOnce(ctx context.Context, log *slog.Logger, store outcomePruner, cfg *config.Retention) int64 {
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	deleted, err := store.DeleteOlderThan(subCtx, cfg.MaxAge, cfg.BatchSize)
	if err != nil {
		log.Warn("retention run failed (will retry on next interval)", slog.Any("err", err))
		return deleted
	}

	if deleted > 0 {
		log.Info("retention run completed", slog.Int64("deleted", deleted))
	} else {
		log.Debug("retention run completed, no old outcomes found")
	}
	return deleted
}
