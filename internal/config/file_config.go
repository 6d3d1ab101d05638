package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"staging.yaml",
	"staging.yml",
	"staging.toml",
	".staging.yaml",
	".staging.yml",
	".staging.toml",
}

type FileConfig struct {
	DSN       string                    `yaml:"dsn" toml:"dsn"`
	Schema    string                    `yaml:"schema" toml:"schema"`
	Worker    WorkerFileConfig          `yaml:"worker" toml:"worker"`
	Beat      BeatFileConfig            `yaml:"beat" toml:"beat"`
	Fews      FewsFileConfig            `yaml:"fews" toml:"fews"`
	Feeds     map[string]FeedFileConfig `yaml:"feeds" toml:"feeds"`
	Retention RetentionFileConfig       `yaml:"retention" toml:"retention"`
	Metrics   MetricsFileConfig         `yaml:"metrics" toml:"metrics"`
}

type WorkerFileConfig struct {
	WorkerID               string   `yaml:"worker_id" toml:"worker_id"`
	Queues                 []string `yaml:"queues" toml:"queues"`
	PollInterval           string   `yaml:"poll_interval" toml:"poll_interval"`
	LeaseSeconds           *int     `yaml:"lease_seconds" toml:"lease_seconds"`
	HeartbeatSeconds       *int     `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
	ReclaimIntervalSeconds *int     `yaml:"reclaim_interval_seconds" toml:"reclaim_interval_seconds"`
	MaxAttempts            *int     `yaml:"max_attempts" toml:"max_attempts"`
	ShutdownTimeout        string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	LockTimeout            string   `yaml:"lock_timeout" toml:"lock_timeout"`
}

type BeatFileConfig struct {
	Interval string `yaml:"interval" toml:"interval"`
}

type FewsFileConfig struct {
	BaseURL      string            `yaml:"base_url" toml:"base_url"`
	Timeout      string            `yaml:"timeout" toml:"timeout"`
	DisplayGroup OffsetsFileConfig `yaml:"display_group" toml:"display_group"`
	Filter       OffsetsFileConfig `yaml:"filter" toml:"filter"`
}

type OffsetsFileConfig struct {
	StartOffsetHours *float64 `yaml:"start_offset_hours" toml:"start_offset_hours"`
	EndOffsetHours   *float64 `yaml:"end_offset_hours" toml:"end_offset_hours"`
}

type FeedFileConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Schedule string `yaml:"schedule" toml:"schedule"`
}

type RetentionFileConfig struct {
	HardLimitHours *float64 `yaml:"hard_limit_hours" toml:"hard_limit_hours"`
	SoftLimitHours *float64 `yaml:"soft_limit_hours" toml:"soft_limit_hours"`
}

type MetricsFileConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("STAGING_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}
	if fileCfg.Schema != "" {
		cfg.Schema = fileCfg.Schema
	}

	worker := fileCfg.Worker
	if worker.WorkerID != "" {
		cfg.WorkerID = worker.WorkerID
	}
	if len(worker.Queues) > 0 {
		cfg.QueueNames = append([]string{}, worker.Queues...)
	}
	if worker.PollInterval != "" {
		parsed, err := parseDurationField("worker.poll_interval", worker.PollInterval)
		if err != nil {
			return err
		}
		cfg.PollInterval = parsed
	}
	if worker.LeaseSeconds != nil {
		cfg.LeaseSeconds = *worker.LeaseSeconds
	}
	if worker.HeartbeatSeconds != nil {
		cfg.HeartbeatSeconds = *worker.HeartbeatSeconds
	}
	if worker.ReclaimIntervalSeconds != nil {
		cfg.ReclaimIntervalSeconds = *worker.ReclaimIntervalSeconds
	}
	if worker.MaxAttempts != nil {
		cfg.MaxAttempts = *worker.MaxAttempts
	}
	if worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}
	if worker.LockTimeout != "" {
		parsed, err := parseDurationField("worker.lock_timeout", worker.LockTimeout)
		if err != nil {
			return err
		}
		cfg.LockTimeout = parsed
	}

	if fileCfg.Beat.Interval != "" {
		parsed, err := parseDurationField("beat.interval", fileCfg.Beat.Interval)
		if err != nil {
			return err
		}
		if parsed <= 0 {
			return fmt.Errorf("invalid beat.interval: must be a positive duration")
		}
		cfg.BeatInterval = parsed
	}

	fews := fileCfg.Fews
	if fews.BaseURL != "" {
		cfg.FewsBaseURL = fews.BaseURL
	}
	if fews.Timeout != "" {
		parsed, err := parseDurationField("fews.timeout", fews.Timeout)
		if err != nil {
			return err
		}
		cfg.HTTPTimeout = parsed
	}
	applyOffsets(&cfg.DisplayGroup, fews.DisplayGroup)
	applyOffsets(&cfg.Filter, fews.Filter)

	for name, feed := range fileCfg.Feeds {
		current := cfg.Feeds[name]
		if feed.URL != "" {
			current.URL = feed.URL
		}
		if feed.Schedule != "" {
			current.Schedule = feed.Schedule
		}
		if cfg.Feeds == nil {
			cfg.Feeds = map[string]Feed{}
		}
		cfg.Feeds[name] = current
	}

	if fileCfg.Retention.HardLimitHours != nil {
		cfg.RetentionHard = hoursToDuration(*fileCfg.Retention.HardLimitHours)
	}
	if fileCfg.Retention.SoftLimitHours != nil {
		cfg.RetentionSoft = hoursToDuration(*fileCfg.Retention.SoftLimitHours)
	}

	if fileCfg.Metrics.Addr != "" {
		cfg.HealthAddr = fileCfg.Metrics.Addr
	}
	if fileCfg.Metrics.AuthToken != "" {
		cfg.MetricsAuthToken = fileCfg.Metrics.AuthToken
	}

	return nil
}

func applyOffsets(dst *Offsets, src OffsetsFileConfig) {
	if src.StartOffsetHours != nil {
		dst.Before = hoursToDuration(*src.StartOffsetHours)
	}
	if src.EndOffsetHours != nil {
		dst.After = hoursToDuration(*src.EndOffsetHours)
	}
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
