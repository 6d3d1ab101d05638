package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"timeseries-staging/internal/config"
	"timeseries-staging/internal/db"
	"timeseries-staging/internal/events"
	"timeseries-staging/internal/fews"
	"timeseries-staging/internal/queue"
	"timeseries-staging/internal/refdata"
	"timeseries-staging/internal/runner"
	"timeseries-staging/internal/staging"
)

const Version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if os.Args[1] == "--version" || os.Args[1] == "version" {
		fmt.Printf("timeseries-staging version %s\n", Version)
		return
	}

	switch os.Args[1] {
	case "worker":
		runWorker(os.Args[2:])
	case "beat":
		runBeat(os.Args[2:])
	case "publish":
		runPublish(os.Args[2:])
	case "refresh":
		runRefresh(os.Args[2:])
	case "triage":
		runTriage(os.Args[2:])
	case "prune":
		runPrune(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("usage: staging <worker|beat|publish|refresh|triage|prune|migrate|version> [args]")
}

// loadConfig layers defaults, the config file, the environment and the
// flags of one subcommand, then validates the result.
func loadConfig(name string, args []string, extra func(fs *flag.FlagSet)) (*config.Config, *flag.FlagSet, error) {
	configPath, err := config.ResolveConfigPath(args)
	if err != nil {
		return nil, nil, err
	}
	fileCfg, err := config.LoadFileConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyFileConfig(cfg, fileCfg); err != nil {
		return nil, nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", configPath, "Path to staging config file")
	cfg.BindFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cfg.Version = Version
	return cfg, fs, nil
}

func mustLoadConfig(name string, args []string, extra func(fs *flag.FlagSet)) (*config.Config, *flag.FlagSet) {
	cfg, fs, err := loadConfig(name, args, extra)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DSN required (use --dsn, DATABASE_URL, or config file)")
	}
	return cfg, fs
}

func mustPool(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	return pool
}

// pipeline holds the wired staging components sharing one pool.
type pipeline struct {
	schema     db.Schema
	queue      *queue.Service
	exceptions *staging.Exceptions
	tx         *staging.Coordinator
	router     *staging.Router
	refresher  *refdata.Refresher
	pruner     *staging.Pruner
}

func newPipeline(cfg *config.Config, pool *pgxpool.Pool, publisher events.Publisher, logger *slog.Logger) *pipeline {
	schema := db.Schema(cfg.Schema)
	exceptions := staging.NewExceptions(schema)
	coordinator := staging.NewCoordinator(pool, exceptions, cfg.LockTimeout, logger)
	coordinator.OnFinish(runner.ObserveTransaction)

	q := queue.NewService(pool, schema)
	q.SetMaxAttempts(cfg.MaxAttempts)

	source := fews.NewClient(cfg.FewsBaseURL, cfg.HTTPTimeout, logger)
	loader := staging.NewLoader(source, staging.Offsets(cfg.DisplayGroup), staging.Offsets(cfg.Filter), logger)
	notifier := staging.NewReportingNotifier(coordinator, schema, q, config.QueueReporting, publisher, logger)
	stores := func(tx pgx.Tx) staging.RouteStore { return staging.NewPgStore(tx, schema) }

	return &pipeline{
		schema:     schema,
		queue:      q,
		exceptions: exceptions,
		tx:         coordinator,
		router:     staging.NewRouter(coordinator, stores, loader, notifier, logger),
		refresher:  refdata.NewRefresher(coordinator, schema, refdata.NewHTTPFetcher(cfg.HTTPTimeout), exceptions, feedURLs(cfg), publisher, logger),
		pruner:     staging.NewPruner(coordinator, schema, logger),
	}
}

func (p *pipeline) handlers(publisher events.Publisher, logger *slog.Logger) map[string]runner.Handler {
	return map[string]runner.Handler{
		config.QueueTaskRunComplete: runner.RouteHandler(p.router, publisher, logger),
		config.QueueRefresh:         runner.RefreshHandler(p.refresher),
	}
}

func feedURLs(cfg *config.Config) map[string]string {
	urls := make(map[string]string, len(cfg.Feeds))
	for name, feed := range cfg.Feeds {
		if feed.URL != "" {
			urls[name] = feed.URL
		}
	}
	return urls
}

// messagePayload accepts a JSON document as-is and wraps anything else as a
// JSON string, the form task run completion messages arrive in.
func messagePayload(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("payload is empty")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
