package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/db"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/logging"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/staging"
)

func runBeat(args []string) {
	var once bool
	cfg, _ := mustLoadConfig("beat", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&once, "once", false, "Enqueue due refreshes once and exit")
	})

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg)
	defer pool.Close()

	q := queue.NewService(pool, db.Schema(cfg.Schema))
	q.SetMaxAttempts(cfg.MaxAttempts)
	if err := syncSchedules(ctx, q, cfg, logger); err != nil {
		log.Fatal(err)
	}
	if once {
		beatOnce(ctx, q, logger)
		fmt.Println("Beat run complete (--once).")
		return
	}
	beatLoop(ctx, q, cfg.BeatInterval, logger)
}

func runPublish(args []string) {
	var queueName, payload, payloadFile, dedupe string
	cfg, _ := mustLoadConfig("publish", args, func(fs *flag.FlagSet) {
		fs.StringVar(&queueName, "queue", config.QueueTaskRunComplete, "Queue to publish to")
		fs.StringVar(&payload, "payload", "", "Message body (JSON, or text wrapped as a JSON string)")
		fs.StringVar(&payloadFile, "file", "", "Read the message body from a file")
		fs.StringVar(&dedupe, "dedupe-key", "", "Skip the message if a live one has this key")
	})
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			log.Fatal(err)
		}
		payload = string(data)
	}
	body, err := messagePayload(payload)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	q := queue.NewService(pool, db.Schema(cfg.Schema))
	q.SetMaxAttempts(cfg.MaxAttempts)
	id, err := q.Enqueue(ctx, queueName, body, dedupe)
	if err != nil {
		log.Fatal(err)
	}
	if id == 0 {
		fmt.Printf("Skipped: a live message with dedupe key %q already exists\n", dedupe)
		return
	}
	fmt.Printf("Published message %d to %s\n", id, queueName)
}

func runRefresh(args []string) {
	var enqueue bool
	cfg, fs := mustLoadConfig("refresh", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&enqueue, "enqueue", false, "Enqueue a refresh message instead of refreshing in-process")
	})
	if fs.NArg() != 1 {
		fmt.Println("usage: staging refresh [flags] <feed>")
		fmt.Printf("feeds: %v\n", config.FeedNames)
		os.Exit(1)
	}
	feed := fs.Arg(0)

	logger := logging.Init(cfg.WorkerID)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := mustPool(ctx, cfg)
	defer pool.Close()

	p := newPipeline(cfg, pool, events.NoopPublisher{}, logger)
	if enqueue {
		payload, err := queue.RefreshPayload(feed, nil)
		if err != nil {
			log.Fatal(err)
		}
		id, err := p.queue.Enqueue(ctx, config.QueueRefresh, payload, queue.RefreshDedupeKey(feed))
		if err != nil {
			log.Fatal(err)
		}
		if id == 0 {
			fmt.Printf("A refresh of %s is already queued\n", feed)
			return
		}
		fmt.Printf("Enqueued refresh of %s as message %d\n", feed, id)
		return
	}

	report, err := p.refresher.Refresh(ctx, feed)
	for _, failed := range report.Failed {
		fmt.Printf("Rejected row: %s\n", failed.Description)
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Refreshed %s: %d rows read, %d loaded, %d rejected, %d in table\n",
		report.Feed, report.Rows, report.Loaded, len(report.Failed), report.TableCount)
}

func runPrune(args []string) {
	var hardHours, softHours float64
	var purgeAfter time.Duration
	cfg, _ := mustLoadConfig("prune", args, func(fs *flag.FlagSet) {
		fs.Float64Var(&hardHours, "hard-hours", 0, "Delete timeseries imported more than this many hours ago (overrides config)")
		fs.Float64Var(&softHours, "soft-hours", 0, "Delete reported timeseries imported more than this many hours ago (overrides config)")
		fs.DurationVar(&purgeAfter, "purge-messages-after", 0, "Also delete acknowledged queue messages older than this")
	})
	hard, soft := cfg.RetentionHard, cfg.RetentionSoft
	if hardHours > 0 {
		hard = time.Duration(hardHours * float64(time.Hour))
	}
	if softHours > 0 {
		soft = time.Duration(softHours * float64(time.Hour))
	}

	logger := logging.Init(cfg.WorkerID)
	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	p := newPipeline(cfg, pool, events.NoopPublisher{}, logger)
	result, err := p.pruner.DeleteExpired(ctx, hard, soft)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Pruned %d header(s), %d record(s), %d reporting job(s)\n", result.Headers, result.Records, result.Jobs)

	if purgeAfter > 0 {
		purged, err := p.queue.PurgeFinished(ctx, time.Now().Add(-purgeAfter))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Purged %d acknowledged message(s)\n", purged)
	}
}

func runMigrate(args []string) {
	var reset bool
	cfg, _ := mustLoadConfig("migrate", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&reset, "reset", false, "Drop the schema before applying it (destroys all staged data)")
	})

	ctx := context.Background()
	pool := mustPool(ctx, cfg)
	defer pool.Close()

	schema := db.Schema(cfg.Schema)
	var err error
	if reset {
		err = db.Reset(ctx, pool, schema)
	} else {
		err = db.Migrate(ctx, pool, schema)
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Schema %s is up to date\n", schema)
}

func runTriage(args []string) {
	if len(args) == 0 {
		triageUsage()
		return
	}

	switch args[0] {
	case "messages":
		var limit int
		var queueName string
		cfg, _ := mustLoadConfig("triage messages", args[1:], func(fs *flag.FlagSet) {
			fs.IntVar(&limit, "limit", 50, "Max messages to list")
			fs.StringVar(&queueName, "queue", "", "Filter by queue name")
		})
		q, closeFn := triageQueue(cfg)
		defer closeFn()

		items, err := q.ListDeadLettered(context.Background(), limit, queueName)
		if err != nil {
			log.Fatal(err)
		}
		if len(items) == 0 {
			fmt.Println("No dead-lettered messages.")
			return
		}
		fmt.Println("ID\tQueue\tAttempts\tDeadAt\tLastError")
		for _, item := range items {
			fmt.Printf("%d\t%s\t%d/%d\t%s\t%s\n", item.ID, item.QueueName, item.Attempts, item.MaxAttempts, formatTime(item.DeadLetteredAt), deref(item.LastError))
		}
	case "inspect":
		var id int64
		cfg, _ := mustLoadConfig("triage inspect", args[1:], func(fs *flag.FlagSet) {
			fs.Int64Var(&id, "id", 0, "Message ID to inspect")
		})
		if id == 0 {
			log.Fatal("--id required")
		}
		q, closeFn := triageQueue(cfg)
		defer closeFn()

		item, err := q.InspectMessage(context.Background(), id)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Message ID: %d\n", item.ID)
		fmt.Printf("Queue: %s\n", item.QueueName)
		fmt.Printf("Status: %s\n", item.Status)
		fmt.Printf("Attempts: %d/%d\n", item.Attempts, item.MaxAttempts)
		fmt.Printf("Dedupe Key: %s\n", deref(item.DedupeKey))
		fmt.Printf("Enqueued At: %s\n", item.EnqueuedAt.Format(time.RFC3339))
		fmt.Printf("Finished At: %s\n", formatTime(item.FinishedAt))
		fmt.Printf("Last Error: %s\n", deref(item.LastError))
		fmt.Printf("Payload: %s\n", string(item.Payload))
		fmt.Printf("Errors JSON: %s\n", string(item.ErrorsJSON))
	case "retry":
		var id int64
		var all bool
		var queueName string
		cfg, _ := mustLoadConfig("triage retry", args[1:], func(fs *flag.FlagSet) {
			fs.Int64Var(&id, "id", 0, "Message ID to retry")
			fs.BoolVar(&all, "all", false, "Retry all dead-lettered messages")
			fs.StringVar(&queueName, "queue", "", "With --all, only this queue")
		})
		if id == 0 && !all {
			log.Fatal("Provide --id or --all")
		}
		q, closeFn := triageQueue(cfg)
		defer closeFn()

		var updated int64
		var err error
		if all {
			updated, err = q.RetryAllDeadLettered(context.Background(), queueName)
		} else {
			updated, err = q.RetryDeadLettered(context.Background(), id)
		}
		if err != nil {
			log.Fatal(err)
		}
		if updated == 0 {
			fmt.Println("No dead-lettered messages updated.")
			return
		}
		fmt.Printf("Retried %d message(s)\n", updated)
	case "exceptions":
		var limit int
		cfg, _ := mustLoadConfig("triage exceptions", args[1:], func(fs *flag.FlagSet) {
			fs.IntVar(&limit, "limit", 50, "Max exceptions to list")
		})
		ctx := context.Background()
		pool := mustPool(ctx, cfg)
		defer pool.Close()

		items, err := staging.NewExceptions(db.Schema(cfg.Schema)).ListStagingExceptions(ctx, pool, limit)
		if err != nil {
			log.Fatal(err)
		}
		if len(items) == 0 {
			fmt.Println("No staging exceptions.")
			return
		}
		fmt.Println("ID\tTime\tDescription\tPayload")
		for _, item := range items {
			fmt.Printf("%d\t%s\t%s\t%s\n", item.ID, item.Time.Format(time.RFC3339), item.Description, item.Payload)
		}
	case "csv-exceptions":
		var limit int
		var source string
		cfg, _ := mustLoadConfig("triage csv-exceptions", args[1:], func(fs *flag.FlagSet) {
			fs.IntVar(&limit, "limit", 50, "Max exceptions to list")
			fs.StringVar(&source, "source", "", "Filter by CSV source label")
		})
		ctx := context.Background()
		pool := mustPool(ctx, cfg)
		defer pool.Close()

		items, err := staging.NewExceptions(db.Schema(cfg.Schema)).ListCsvExceptions(ctx, pool, source, limit)
		if err != nil {
			log.Fatal(err)
		}
		if len(items) == 0 {
			fmt.Println("No CSV staging exceptions.")
			return
		}
		fmt.Println("ID\tTime\tSource\tDescription\tRow")
		for _, item := range items {
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", item.ID, item.Time.Format(time.RFC3339), item.Source, item.Description, string(item.RowData))
		}
	default:
		triageUsage()
	}
}

func triageUsage() {
	fmt.Println("usage: staging triage <messages|inspect|retry|exceptions|csv-exceptions> [args]")
}

func triageQueue(cfg *config.Config) (*queue.Service, func()) {
	pool := mustPool(context.Background(), cfg)
	return queue.NewService(pool, db.Schema(cfg.Schema)), pool.Close
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
