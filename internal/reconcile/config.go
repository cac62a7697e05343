package reconcile

import (
	"time"

	"github.com/smallbiznis/taleforge/internal/config"
)

const (
	JobRetryChargeFailures = "retry_charge_failures"
	JobVerifyBalances      = "verify_balances"
)

// Config controls reconciler intervals and batch sizes.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
	JobTimeout  time.Duration
	// MaxAttempts abandons a charge failure after this many retries.
	MaxAttempts int
	// EnabledJobs limits which jobs run. Empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: time.Minute,
		BatchSize:   100,
		LockTTL:     5 * time.Minute,
		JobTimeout:  time.Minute,
		MaxAttempts: 10,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Reconcile.Enabled,
		RunInterval: cfg.Reconcile.RunInterval,
		BatchSize:   cfg.Reconcile.BatchSize,
		LockTTL:     cfg.Reconcile.LockTTL,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	return c
}
