package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("uses default values when only required keys are set", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "development", cfg.Env)
		assert.Equal(t, DefaultPort, cfg.Port)
		assert.Equal(t, DefaultWorkerID, cfg.WorkerID)
		assert.Equal(t, DefaultStoreBackend, cfg.StoreBackend)
		assert.Equal(t, DefaultRateLimitBackend, cfg.RateLimitBackend)
		assert.Equal(t, DefaultMaxRequestsPerMinute, cfg.MaxRequestsPerMinute)
		assert.Equal(t, DefaultMaxRequestsPerHour, cfg.MaxRequestsPerHour)
		assert.Equal(t, DefaultMaxMiningRequests, cfg.MaxMiningRequests)
		assert.Equal(t, DefaultMaxUpgradeRequests, cfg.MaxUpgradeRequests)
		assert.Equal(t, DefaultSuspiciousActivityThreshold, cfg.SuspiciousActivityThreshold)
		assert.Equal(t, DefaultSuspendThreshold, cfg.SuspendThreshold)
		assert.Equal(t, 2*time.Hour, cfg.MaxSession())
		assert.Equal(t, 300*time.Second, cfg.TimestampTolerance)
		assert.Equal(t, 300*time.Second, cfg.TimeManipulationThreshold)
		assert.Equal(t, DefaultDeviceDenylist, cfg.DeviceDenylist)
		assert.Equal(t, 500*time.Millisecond, cfg.AuthDelayMin)
		assert.Equal(t, time.Second, cfg.AuthDelayMax)
		assert.Equal(t, 3*time.Second, cfg.IOTimeout)
		assert.InDelta(t, DefaultBaseMiningSpeed, cfg.BaseMiningSpeed, 1e-12)
	})

	t.Run("environment variables override defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("WORKER_ID", "3")
		t.Setenv("MAX_REQUESTS_PER_MINUTE", "40")
		t.Setenv("MAX_SESSION_SECONDS", "3600")
		t.Setenv("DEVICE_ID_DENYLIST", "abc, 1234 ,,")
		t.Setenv("STORE_BACKEND", "MEMORY")
		t.Setenv("AUDIT_STDOUT", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "3", cfg.WorkerID)
		assert.Equal(t, 40, cfg.MaxRequestsPerMinute)
		assert.Equal(t, time.Hour, cfg.MaxSession())
		assert.Equal(t, []string{"abc", "1234"}, cfg.DeviceDenylist)
		assert.Equal(t, "memory", cfg.StoreBackend)
		assert.False(t, cfg.AuditStdout)
	})

	t.Run("invalid numbers fall back to defaults", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "secret")
		t.Setenv("MAX_REQUESTS_PER_HOUR", "lots")
		t.Setenv("BASE_MINING_SPEED", "fast")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxRequestsPerHour, cfg.MaxRequestsPerHour)
		assert.InDelta(t, DefaultBaseMiningSpeed, cfg.BaseMiningSpeed, 1e-12)
	})
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := map[string]map[string]string{
		"missing secret":          {"JWT_SECRET": ""},
		"unknown store":           {"STORE_BACKEND": "mongo"},
		"postgres without url":    {"STORE_BACKEND": "postgres"},
		"unknown limiter backend": {"RATE_LIMIT_BACKEND": "etcd"},
		"zero session cap":        {"MAX_SESSION_SECONDS": "0"},
		"inverted delay window":   {"AUTH_DELAY_MIN_MS": "900", "AUTH_DELAY_MAX_MS": "100"},
		"zero sweep interval":     {"SWEEP_INTERVAL_SECONDS": "0"},
		"zero io timeout":         {"IO_TIMEOUT_MS": "0"},
		"negative io timeout":     {"IO_TIMEOUT_MS": "-5"},
		"zero drift threshold":    {"TIME_MANIPULATION_THRESHOLD_SECONDS": "0"},
	}

	for name, env := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			for k, v := range env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}

func Test_getEnv(t *testing.T) {
	t.Run("returns value if env var is set", func(t *testing.T) {
		t.Setenv("TEST_GETENV_KEY", "my-test-value")
		assert.Equal(t, "my-test-value", getEnv("TEST_GETENV_KEY", "fallback"))
	})

	t.Run("returns fallback if env var is set but empty", func(t *testing.T) {
		t.Setenv("TEST_GETENV_EMPTY_KEY", "")
		assert.Equal(t, "fallback", getEnv("TEST_GETENV_EMPTY_KEY", "fallback"))
	})
}
