package reconciler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls reconciliation sweep intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	EnabledJobs []string

	// ProviderAlertThreshold is the number of consecutive sweeps a provider
	// may be unreachable before an alert fires.
	ProviderAlertThreshold int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:            time.Minute,
		BatchSize:              50,
		JobTimeout:             30 * time.Second,
		ProviderAlertThreshold: 3,
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
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ProviderAlertThreshold <= 0 {
		c.ProviderAlertThreshold = defaults.ProviderAlertThreshold
	}
	return c
}

// ProvideConfig reads reconciler tuning from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv("RECONCILER_RUN_INTERVAL")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.RunInterval = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONCILER_BATCH_SIZE")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONCILER_JOB_TIMEOUT")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.JobTimeout = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONCILER_PROVIDER_ALERT_THRESHOLD")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.ProviderAlertThreshold = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONCILER_ENABLED_JOBS")); v != "" {
		for _, job := range strings.Split(v, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg.withDefaults()
}
