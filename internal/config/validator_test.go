package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAccount(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAccount(AccountConfig{ID: "a@example.com", Secret: "pw"}))
	assert.Error(t, v.ValidateAccount(AccountConfig{ID: "  ", Secret: "pw"}))
	assert.Error(t, v.ValidateAccount(AccountConfig{ID: "a@example.com"}))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateURL("executor url", "https://worker.internal/execute"))
		assert.NoError(t, v.ValidateURL("executor url", "http://localhost:9000"))
	})

	t.Run("empty", func(t *testing.T) {
		err := v.ValidateURL("executor url", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executor url cannot be empty")
	})

	t.Run("wrong scheme", func(t *testing.T) {
		assert.Error(t, v.ValidateURL("executor url", "ftp://host/path"))
	})

	t.Run("missing host", func(t *testing.T) {
		assert.Error(t, v.ValidateURL("executor url", "http:///path"))
	})
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("prune_schedule", "@every 10m"))
	assert.NoError(t, v.ValidateSchedule("prune_schedule", "*/5 * * * *"))
	assert.NoError(t, v.ValidateSchedule("prune_schedule", "@hourly"))
	assert.NoError(t, v.ValidateSchedule("prune_schedule", ""), "empty disables the job")
	assert.Error(t, v.ValidateSchedule("prune_schedule", "every ten minutes"))
	assert.Error(t, v.ValidateSchedule("prune_schedule", "@every soon"))
}

func TestValidateStrategies(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePoolStrategy("round_robin"))
	assert.NoError(t, v.ValidatePoolStrategy("least_used"))
	assert.Error(t, v.ValidatePoolStrategy(""))

	for _, s := range []string{"", "exponential", "linear", "fixed", "immediate"} {
		assert.NoError(t, v.ValidateRetryStrategy(s), s)
	}
	assert.Error(t, v.ValidateRetryStrategy("fibonacci"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	err := v.ValidateLogLevel("trace")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be one of")
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("valid config", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("multiple errors", func(t *testing.T) {
		cfg := validConfig()
		cfg.Accounts = append(cfg.Accounts, AccountConfig{ID: "a@example.com", Secret: "again"})
		cfg.Executor.URL = "not a url"
		cfg.Pool.RefreshThreshold = cfg.Pool.SessionTTL
		cfg.Housekeeping.PruneSchedule = "sometimes"
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		require.Len(t, errs, 5)

		var joined []string
		for _, err := range errs {
			joined = append(joined, err.Error())
		}
		all := strings.Join(joined, "\n")
		assert.Contains(t, all, "duplicate id")
		assert.Contains(t, all, "executor url")
		assert.Contains(t, all, "refresh_threshold")
		assert.Contains(t, all, "prune_schedule")
		assert.Contains(t, all, "log level")
	})
}
