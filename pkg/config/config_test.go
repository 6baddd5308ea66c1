package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NOETL_WORKER_POOL_NAME", "NOETL_WORKER_POOL_RUNTIME",
		"NOETL_LEASE_DURATION_SECONDS", "NOETL_HEARTBEAT_INTERVAL_SECONDS",
		"NOETL_POLL_INTERVAL_SECONDS", "NOETL_MAX_ATTEMPTS",
		"NOETL_REAP_INTERVAL_SECONDS", "TZ",
	} {
		orig, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, orig)
			}
		})
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	require.Equal(t, "default", cfg.WorkerPoolName)
	require.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadFromEnvRejectsHeartbeatLongerThanLease(t *testing.T) {
	clearEnv(t)
	os.Setenv("NOETL_LEASE_DURATION_SECONDS", "5")
	os.Setenv("NOETL_HEARTBEAT_INTERVAL_SECONDS", "10")
	_, err := config.LoadFromEnv()
	require.Error(t, err)
}

func TestLoadFromEnvRejectsNonUTCTimezone(t *testing.T) {
	clearEnv(t)
	os.Setenv("TZ", "America/New_York")
	_, err := config.LoadFromEnv()
	require.Error(t, err)
}

func TestDispatcherConfigCarriesTiming(t *testing.T) {
	clearEnv(t)
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)

	dcfg := cfg.DispatcherConfig("worker-1", []string{"http"})
	require.Equal(t, "worker-1", dcfg.WorkerID)
	require.Equal(t, cfg.LeaseDuration, dcfg.LeaseDuration)
	require.Equal(t, []string{"http"}, dcfg.Capabilities)
}
