// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jdziat/coordinated-jobs/pkg/backoff"
	"github.com/jdziat/coordinated-jobs/pkg/schedule"
)

type Config struct {
	LockTTL           time.Duration `env:"JOBS_LOCK_TTL" envDefault:"5m"`
	ClaimTTL          time.Duration `env:"JOBS_SCHEDULING_CLAIM_TTL" envDefault:"10s"`
	DedupTTL          time.Duration `env:"JOBS_DEDUP_TTL" envDefault:"6h"`
	CronSchedule      string        `env:"JOBS_CRON_SCHEDULE" envDefault:"0 * * * *"`
	BatchSize         int           `env:"JOBS_BATCH_SIZE" envDefault:"1000"`
	MaxPerRun         int           `env:"JOBS_MAX_PER_RUN" envDefault:"10000"`
	StaleTimeout      time.Duration `env:"JOBS_STALE_TIMEOUT" envDefault:"2h"`
	MaxRetries        int           `env:"JOBS_MAX_RETRIES" envDefault:"3"`
	BackoffBase       time.Duration `env:"JOBS_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax        time.Duration `env:"JOBS_BACKOFF_MAX" envDefault:"30s"`
	JobRetries        int           `env:"JOBS_JOB_RETRIES" envDefault:"2"`
	Concurrency       int           `env:"JOBS_CONCURRENCY" envDefault:"4"`
	PollInterval      time.Duration `env:"JOBS_POLL_INTERVAL" envDefault:"250ms"`
	SchedulerInterval time.Duration `env:"JOBS_SCHEDULER_INTERVAL" envDefault:"60s"`
	BacklogAlertRuns  int           `env:"JOBS_BACKLOG_ALERT_RUNS" envDefault:"3"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"coordinated-jobs.db"`

	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	positive("JOBS_LOCK_TTL", c.LockTTL > 0)
	positive("JOBS_SCHEDULING_CLAIM_TTL", c.ClaimTTL > 0)
	positive("JOBS_DEDUP_TTL", c.DedupTTL > 0)
	positive("JOBS_BATCH_SIZE", c.BatchSize > 0)
	positive("JOBS_MAX_PER_RUN", c.MaxPerRun > 0)
	positive("JOBS_STALE_TIMEOUT", c.StaleTimeout > 0)
	positive("JOBS_MAX_RETRIES", c.MaxRetries > 0)
	positive("JOBS_BACKOFF_BASE", c.BackoffBase > 0)
	positive("JOBS_BACKOFF_MAX", c.BackoffMax > 0)
	positive("JOBS_CONCURRENCY", c.Concurrency > 0)
	positive("JOBS_POLL_INTERVAL", c.PollInterval > 0)
	positive("JOBS_SCHEDULER_INTERVAL", c.SchedulerInterval > 0)
	positive("JOBS_BACKLOG_ALERT_RUNS", c.BacklogAlertRuns > 0)

	if c.JobRetries < 0 {
		errs = append(errs, errors.New("JOBS_JOB_RETRIES must not be negative"))
	}
	if c.MaxPerRun > 0 && c.BatchSize > c.MaxPerRun {
		errs = append(errs, fmt.Errorf("JOBS_MAX_PER_RUN (%d) must be at least JOBS_BATCH_SIZE (%d)", c.MaxPerRun, c.BatchSize))
	}
	if c.BackoffMax > 0 && c.BackoffBase > c.BackoffMax {
		errs = append(errs, errors.New("JOBS_BACKOFF_BASE must not exceed JOBS_BACKOFF_MAX"))
	}
	if _, err := schedule.ParseCron(c.CronSchedule); err != nil {
		errs = append(errs, fmt.Errorf("JOBS_CRON_SCHEDULE: %w", err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Schedule returns the parsed drain notification recurrence.
func (c Config) Schedule() (schedule.Schedule, error) {
	return schedule.ParseCron(c.CronSchedule)
}

// DeliveryPolicy returns the per-channel delivery retry policy.
func (c Config) DeliveryPolicy() backoff.Policy {
	return backoff.Delivery(c.MaxRetries, c.BackoffBase, c.BackoffMax)
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
