// fuji-worker is the long-running process: it drives the worker pool and
// the periodic scheduler against the shared queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/config"
	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/queue"
	"github.com/yuru-sha/fuji-calendar-sub001/services/matcher"
	"github.com/yuru-sha/fuji-calendar-sub001/services/orbit"
	"github.com/yuru-sha/fuji-calendar-sub001/services/pipeline"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fuji-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := log.Logger()

	obs, err := observability.NewObserver(cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer obs.Shutdown(context.Background())

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	rdb, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	eph := ephemeris.NewManager(ephemeris.NewSuncalcProvider(), ephemeris.NewMeeusProvider())
	builder := orbit.NewBuilder(eph, store, cfg.FujiReference)
	m := matcher.New(eph, store, store, cfg.FujiReference, cfg.RefractionK)

	q := queue.New(rdb, store)
	pool, err := queue.NewPool(q, store, cfg.WorkerConcurrency, cfg.StallTimeout)
	if err != nil {
		return err
	}
	pipeline.New(store, builder, m, q, cfg.FujiReference, cfg.RefractionK).Register(pool)

	scheduler := queue.NewScheduler(store, q)
	if err := scheduler.Seed(ctx); err != nil {
		return err
	}
	go scheduler.Run(ctx)

	logger.InfoContext(ctx, "fuji-worker started",
		"concurrency", cfg.WorkerConcurrency,
		"stall_timeout", cfg.StallTimeout,
		"fuji_lat", cfg.FujiReference.Latitude,
		"fuji_lon", cfg.FujiReference.Longitude)

	pool.Run(ctx)
	logger.Info("fuji-worker stopped")
	return nil
}
