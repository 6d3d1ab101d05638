package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/logging"
	"timeseries-staging/internal/metrics"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/runner"
	"timeseries-staging/internal/web"
)

func runWorker(args []string) {
	var withBeat bool
	cfg, _ := mustLoadConfig("worker", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&withBeat, "beat", true, "Also enqueue scheduled reference-data refreshes")
	})

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg)
	defer pool.Close()

	broker := events.NewBroker(200)
	p := newPipeline(cfg, pool, broker, logger)
	r := runner.New(cfg, p.queue, p.handlers(broker, logger), broker, logger)

	if cfg.HealthAddr == "" {
		logger.Info("Health server disabled")
	} else if cfg.MetricsAuthToken == "" {
		logger.Warn("Health endpoints have no auth; bind to localhost or set --metrics-auth-token", "addr", cfg.HealthAddr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Start(gctx)
	})
	if withBeat {
		if err := syncSchedules(gctx, p.queue, cfg, logger); err != nil {
			log.Fatal(err)
		}
		g.Go(func() error {
			beatLoop(gctx, p.queue, cfg.BeatInterval, logger)
			return nil
		})
	}
	if cfg.HealthAddr != "" {
		server := web.NewServer(pool, cfg.HealthAddr, cfg.MetricsAuthToken, broker, r.Stats().Summary, logger)
		g.Go(func() error {
			return server.Start(gctx)
		})
		metrics.StartCollector(gctx, pool, p.schema, 15*time.Second, logger)
	}

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		log.Fatal(err)
	}
	logger.Info("Worker stopped")
}

// syncSchedules stores the cron schedule of every configured feed.
func syncSchedules(ctx context.Context, q *queue.Service, cfg *config.Config, logger *slog.Logger) error {
	for _, name := range config.FeedNames {
		feed, ok := cfg.Feeds[name]
		if !ok || feed.Schedule == "" {
			continue
		}
		if err := q.UpsertRefreshSchedule(ctx, name, feed.Schedule, feed.URL != ""); err != nil {
			return err
		}
		logger.Info("Refresh schedule registered", "feed", name, "schedule", feed.Schedule, "enabled", feed.URL != "")
	}
	return nil
}

func beatLoop(ctx context.Context, q *queue.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger.Info("Starting beat", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		beatOnce(ctx, q, logger)
		select {
		case <-ctx.Done():
			logger.Info("Shutting down beat")
			return
		case <-ticker.C:
		}
	}
}

func beatOnce(ctx context.Context, q *queue.Service, logger *slog.Logger) {
	n, err := q.EnqueueDueRefreshes(ctx, config.QueueRefresh)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to enqueue due refreshes", "error", err)
		}
		return
	}
	if n > 0 {
		logger.Info("Enqueued scheduled refreshes", "count", n)
	}
}
