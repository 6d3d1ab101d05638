package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	QueueTaskRunComplete = "task-run-complete"
	QueueRefresh         = "reference-data-refresh"
	QueueReporting       = "timeseries-reporting"
)

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Offsets is a retrieval window relative to a task run completion time.
type Offsets struct {
	Before time.Duration
	After  time.Duration
}

// Feed holds the source URL and refresh schedule for one reference-data feed.
type Feed struct {
	URL      string
	Schedule string
}

type Config struct {
	DatabaseURL            string
	WorkerID               string
	Schema                 string
	QueueNames             []string
	PollInterval           time.Duration
	LeaseSeconds           int
	HeartbeatSeconds       int
	ReclaimIntervalSeconds int
	MaxAttempts            int
	ShutdownTimeout        time.Duration
	LockTimeout            time.Duration
	HealthAddr             string
	MetricsAuthToken       string
	BeatInterval           time.Duration

	FewsBaseURL  string
	HTTPTimeout  time.Duration
	DisplayGroup Offsets
	Filter       Offsets

	Feeds map[string]Feed

	RetentionHard time.Duration
	RetentionSoft time.Duration

	Version string
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		WorkerID:               fmt.Sprintf("staging-%s-%d", hostname, os.Getpid()),
		Schema:                 "fff_staging",
		QueueNames:             []string{QueueTaskRunComplete, QueueRefresh},
		PollInterval:           time.Second,
		LeaseSeconds:           300,
		HeartbeatSeconds:       60,
		ReclaimIntervalSeconds: 60,
		MaxAttempts:            10,
		ShutdownTimeout:        30 * time.Second,
		LockTimeout:            6500 * time.Millisecond,
		BeatInterval:           30 * time.Second,
		HTTPTimeout:            60 * time.Second,
		DisplayGroup:           Offsets{Before: 48 * time.Hour, After: 120 * time.Hour},
		Filter:                 Offsets{Before: 12 * time.Hour, After: 120 * time.Hour},
		Feeds:                  map[string]Feed{},
		RetentionHard:          0,
		RetentionSoft:          0,
	}
}

// Load builds a Config from defaults and the environment only.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.DatabaseURL = val
	}
	if val := os.Getenv("WORKER_ID"); val != "" {
		cfg.WorkerID = val
	}
	if val := firstEnv("STAGING_SCHEMA", "FFFS_WEB_PORTAL_STAGING_DB_STAGING_SCHEMA"); val != "" {
		cfg.Schema = val
	}
	if val := os.Getenv("QUEUE_NAMES"); val != "" {
		cfg.QueueNames = parseQueueNames(val)
	}
	if val := os.Getenv("POLL_INTERVAL"); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid POLL_INTERVAL (must be a positive duration)")
		}
		cfg.PollInterval = parsed
	}
	if val := os.Getenv("MAX_ATTEMPTS"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid MAX_ATTEMPTS (must be a positive integer)")
		}
		cfg.MaxAttempts = parsed
	}
	if val := os.Getenv("SQLDB_LOCK_TIMEOUT"); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid SQLDB_LOCK_TIMEOUT (must be a positive number of milliseconds)")
		}
		cfg.LockTimeout = time.Duration(parsed) * time.Millisecond
	}
	if val := os.Getenv("HEALTH_ADDR"); val != "" {
		cfg.HealthAddr = val
	}
	if val := os.Getenv("METRICS_AUTH_TOKEN"); val != "" {
		cfg.MetricsAuthToken = val
	}
	if val := os.Getenv("FEWS_PI_API"); val != "" {
		cfg.FewsBaseURL = val
	}
	if val := os.Getenv("FEWS_START_TIME_OFFSET_HOURS"); val != "" {
		hours, err := parseHours("FEWS_START_TIME_OFFSET_HOURS", val)
		if err != nil {
			return err
		}
		cfg.DisplayGroup.Before = hours
		cfg.Filter.Before = hours
	}
	if val := os.Getenv("FEWS_END_TIME_OFFSET_HOURS"); val != "" {
		hours, err := parseHours("FEWS_END_TIME_OFFSET_HOURS", val)
		if err != nil {
			return err
		}
		cfg.DisplayGroup.After = hours
		cfg.Filter.After = hours
	}
	if val := os.Getenv("DELETE_EXPIRED_TIMESERIES_HARD_LIMIT"); val != "" {
		hours, err := parseHours("DELETE_EXPIRED_TIMESERIES_HARD_LIMIT", val)
		if err != nil {
			return err
		}
		cfg.RetentionHard = hours
	}
	if val := os.Getenv("DELETE_EXPIRED_TIMESERIES_SOFT_LIMIT"); val != "" {
		hours, err := parseHours("DELETE_EXPIRED_TIMESERIES_SOFT_LIMIT", val)
		if err != nil {
			return err
		}
		cfg.RetentionSoft = hours
	}
	for _, name := range FeedNames {
		if val := os.Getenv(FeedEnvKey(name)); val != "" {
			feed := cfg.Feeds[name]
			feed.URL = val
			cfg.Feeds[name] = feed
		}
	}
	return nil
}

// FeedNames lists every reference-data feed the refresher understands.
var FeedNames = []string{
	"fluvial-display-group-workflow",
	"coastal-display-group-workflow",
	"fluvial-non-display-group-workflow",
	"ignored-workflow",
	"fluvial-forecast-location",
	"coastal-tidal-forecast-location",
	"coastal-triton-forecast-location",
	"coastal-mvt-forecast-location",
}

// FeedEnvKey maps a feed name to the environment variable holding its URL.
func FeedEnvKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_URL"
}

// Validate checks the assembled configuration once at startup.
func (c *Config) Validate() error {
	var errs []error
	if !schemaNamePattern.MatchString(c.Schema) {
		errs = append(errs, fmt.Errorf("invalid schema name %q", c.Schema))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.LeaseSeconds <= 0 {
		errs = append(errs, errors.New("lease seconds must be positive"))
	}
	if c.HeartbeatSeconds <= 0 || c.HeartbeatSeconds >= c.LeaseSeconds {
		errs = append(errs, errors.New("heartbeat seconds must be positive and shorter than the lease"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.DisplayGroup.Before < 0 || c.DisplayGroup.After < 0 {
		errs = append(errs, errors.New("display group offsets must not be negative"))
	}
	if c.Filter.Before < 0 || c.Filter.After < 0 {
		errs = append(errs, errors.New("filter offsets must not be negative"))
	}
	if c.FewsBaseURL != "" {
		if err := validateURL(c.FewsBaseURL); err != nil {
			errs = append(errs, fmt.Errorf("fews base url: %w", err))
		}
	}
	names := make([]string, 0, len(c.Feeds))
	for name := range c.Feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !knownFeed(name) {
			errs = append(errs, fmt.Errorf("unknown feed %q", name))
			continue
		}
		if feedURL := c.Feeds[name].URL; feedURL != "" {
			if err := validateURL(feedURL); err != nil {
				errs = append(errs, fmt.Errorf("feed %s: %w", name, err))
			}
		}
	}
	if c.RetentionHard < 0 || c.RetentionSoft < 0 {
		errs = append(errs, errors.New("retention limits must not be negative"))
	}
	if c.RetentionHard > 0 && c.RetentionSoft > c.RetentionHard {
		errs = append(errs, errors.New("retention soft limit must not exceed the hard limit"))
	}
	return errors.Join(errs...)
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Database connection string")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Unique worker ID")
	fs.StringVar(&c.Schema, "schema", c.Schema, "Staging schema name")
	fs.Func("queues", "Comma-separated queue names to process", func(value string) error {
		c.QueueNames = parseQueueNames(value)
		return nil
	})
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval to poll for messages")
	fs.IntVar(&c.LeaseSeconds, "lease-seconds", c.LeaseSeconds, "Message lease duration in seconds")
	fs.IntVar(&c.HeartbeatSeconds, "heartbeat-seconds", c.HeartbeatSeconds, "Lease renewal interval in seconds")
	fs.IntVar(&c.ReclaimIntervalSeconds, "reclaim-interval-seconds", c.ReclaimIntervalSeconds, "Expired lease reclaim interval in seconds")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "Deliveries before a message is dead-lettered")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight messages on shutdown")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout, "Database lock-wait timeout")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "HTTP address for health/metrics (empty to disable)")
	fs.StringVar(&c.MetricsAuthToken, "metrics-auth-token", c.MetricsAuthToken, "Bearer token required by the health/metrics endpoints")
	fs.DurationVar(&c.BeatInterval, "beat-interval", c.BeatInterval, "Interval between refresh schedule checks")
	fs.StringVar(&c.FewsBaseURL, "fews-url", c.FewsBaseURL, "FEWS PI service base URL")
	fs.DurationVar(&c.HTTPTimeout, "http-timeout", c.HTTPTimeout, "Timeout for outbound HTTP requests")
}

func parseQueueNames(value string) []string {
	parts := strings.Split(value, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseHours(field, value string) (time.Duration, error) {
	hours, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || hours < 0 {
		return 0, fmt.Errorf("invalid %s (must be a non-negative number of hours)", field)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func knownFeed(name string) bool {
	for _, known := range FeedNames {
		if known == name {
			return true
		}
	}
	return false
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}
