// Package config loads the engine's non-database runtime configuration
// from NOETL_* environment variables (spec §6.7), the same
// getEnvOrDefault/Validate shape pkg/database/config.go uses for
// NOETL_POSTGRES_*, generalized to worker identity and timing knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/noetl/noetl/pkg/dispatcher"
	"github.com/noetl/noetl/pkg/model"
)

// Config holds the engine-wide timing and worker-identity settings that
// are not specific to the database connection (spec §6.7).
type Config struct {
	WorkerPoolName    string
	WorkerPoolRuntime string // capability tag, e.g. "python3.11"

	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollJitter        time.Duration

	MaxAttempts    int
	ReapInterval   time.Duration
	RetryPolicy    model.RetryPolicy
}

// LoadFromEnv reads NOETL_WORKER_*, NOETL_LEASE_*, NOETL_HEARTBEAT_*,
// NOETL_POLL_*, NOETL_MAX_ATTEMPTS, NOETL_REAP_INTERVAL_SECONDS and TZ,
// applying the same defaults noted in spec §4.2/§4.5.
func LoadFromEnv() (Config, error) {
	leaseSeconds, err := intEnv("NOETL_LEASE_DURATION_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	heartbeatSeconds, err := intEnv("NOETL_HEARTBEAT_INTERVAL_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	pollSeconds, err := intEnv("NOETL_POLL_INTERVAL_SECONDS", 2)
	if err != nil {
		return Config{}, err
	}
	maxAttempts, err := intEnv("NOETL_MAX_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	reapSeconds, err := intEnv("NOETL_REAP_INTERVAL_SECONDS", 15)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		WorkerPoolName:    getEnvOrDefault("NOETL_WORKER_POOL_NAME", "default"),
		WorkerPoolRuntime: getEnvOrDefault("NOETL_WORKER_POOL_RUNTIME", "generic"),
		LeaseDuration:     time.Duration(leaseSeconds) * time.Second,
		HeartbeatInterval: time.Duration(heartbeatSeconds) * time.Second,
		PollInterval:      time.Duration(pollSeconds) * time.Second,
		PollJitter:        time.Duration(pollSeconds) * time.Second / 4,
		MaxAttempts:       maxAttempts,
		ReapInterval:      time.Duration(reapSeconds) * time.Second,
		RetryPolicy: model.RetryPolicy{
			BaseDelay:   model.DefaultRetryPolicy.BaseDelay,
			JitterRatio: model.DefaultRetryPolicy.JitterRatio,
			MaxDelay:    model.DefaultRetryPolicy.MaxDelay,
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration is internally consistent
// (spec §6.7 "TZ must be UTC across all components; mismatch causes
// timestamp drift bugs").
func (c Config) Validate() error {
	if c.HeartbeatInterval >= c.LeaseDuration {
		return fmt.Errorf("NOETL_HEARTBEAT_INTERVAL_SECONDS must be less than NOETL_LEASE_DURATION_SECONDS")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("NOETL_MAX_ATTEMPTS must be at least 1")
	}
	if tz := os.Getenv("TZ"); tz != "" && tz != "UTC" {
		return fmt.Errorf("TZ must be UTC, got %q", tz)
	}
	return nil
}

// DispatcherConfig builds a dispatcher.Config for a worker with the given
// identity and capabilities, applying this Config's timing settings.
func (c Config) DispatcherConfig(workerID string, capabilities []string) dispatcher.Config {
	return dispatcher.Config{
		WorkerID:          workerID,
		PoolLabel:         c.WorkerPoolName,
		Capabilities:      capabilities,
		LeaseDuration:     c.LeaseDuration,
		HeartbeatInterval: c.HeartbeatInterval,
		PollInterval:      c.PollInterval,
		PollJitter:        c.PollJitter,
		RetryPolicy:       c.RetryPolicy,
		Concurrency:       1,
	}
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
