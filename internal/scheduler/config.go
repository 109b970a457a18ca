package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/finsight/internal/config"
	dispatchdomain "github.com/smallbiznis/finsight/internal/dispatch/domain"
)

// Config controls scheduler intervals, concurrency and retry.
type Config struct {
	RunInterval       time.Duration
	CronSpec          string
	WorkerPoolSize    int
	ScanTimeout       time.Duration
	TickTimeout       time.Duration
	CommitTimeout     time.Duration
	MaxWindowsPerTick int
	Retry             dispatchdomain.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		WorkerPoolSize: 8,
		ScanTimeout:    30 * time.Second,
		TickTimeout:    10 * time.Minute,
		CommitTimeout:  5 * time.Second,
		Retry:          dispatchdomain.DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = defaults.ScanTimeout
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = defaults.TickTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = defaults.CommitTimeout
	}
	if c.MaxWindowsPerTick < 0 {
		c.MaxWindowsPerTick = 0
	}
	c.CronSpec = strings.TrimSpace(c.CronSpec)
	c.Retry = c.Retry.WithDefaults()
	return c
}

func (c Config) validate() error {
	if c.CronSpec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(c.CronSpec); err != nil {
		return fmt.Errorf("%w: cron spec %q: %w", ErrInvalidConfig, c.CronSpec, err)
	}
	return nil
}

// ProvideConfig maps the environment scheduler section onto Config.
func ProvideConfig(cfg config.Config) Config {
	sc := cfg.Scheduler
	return Config{
		RunInterval:       sc.RunInterval,
		CronSpec:          sc.CronSpec,
		WorkerPoolSize:    sc.WorkerPoolSize,
		CommitTimeout:     sc.CommitTimeout,
		MaxWindowsPerTick: sc.MaxWindowsPerTick,
		Retry: dispatchdomain.RetryPolicy{
			MaxAttempts:     sc.RetryMaxAttempts,
			InitialInterval: sc.RetryInitialInterval,
			MaxInterval:     sc.RetryMaxInterval,
			AttemptTimeout:  sc.DispatchTimeout,
		},
	}
}
