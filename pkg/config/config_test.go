package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/commandcore/pkg/config"
	"github.com/plaenen/commandcore/pkg/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, config.DriverSQLite, cfg.DB.Driver)
		assert.Equal(t, 3, cfg.RetryConfig().MaxAttempts)
		assert.Equal(t, idempotency.FailFast, cfg.IdempotencyConfig().InFlight)
		assert.Equal(t, 15*time.Minute, cfg.IdempotencyConfig().StaleAfter)

		_, enabled := cfg.PublisherConfig()
		assert.False(t, enabled)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("COMMANDCORE_RETRY_MAX_ATTEMPTS", "5")
		t.Setenv("COMMANDCORE_IDEMPOTENCY_IN_FLIGHT", "block")
		t.Setenv("COMMANDCORE_IDEMPOTENCY_BLOCK_TIMEOUT", "3s")
		t.Setenv("COMMANDCORE_NATS_URL", "nats://127.0.0.1:4222")
		t.Setenv("COMMANDCORE_NATS_PRODUCER_COUNT", "4")
		t.Setenv("COMMANDCORE_MAKER_CHECKER_PERMISSIONS", "deposit_savingsaccount, WITHDRAW_SAVINGSACCOUNT")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.RetryConfig().MaxAttempts)
		ic := cfg.IdempotencyConfig()
		assert.Equal(t, idempotency.Block, ic.InFlight)
		assert.Equal(t, 3*time.Second, ic.BlockTimeout)

		pc, enabled := cfg.PublisherConfig()
		require.True(t, enabled)
		assert.Equal(t, 4, pc.ProducerCount)
		assert.Equal(t, "nats://127.0.0.1:4222", pc.URL)

		approvals := cfg.Approvals()
		gated, err := approvals.RequiresApproval(t.Context(), "DEPOSIT_SAVINGSACCOUNT")
		require.NoError(t, err)
		assert.True(t, gated)
		gated, err = approvals.RequiresApproval(t.Context(), "WITHDRAW_SAVINGSACCOUNT")
		require.NoError(t, err)
		assert.True(t, gated)
	})

	t.Run("maker checker can be switched off", func(t *testing.T) {
		t.Setenv("COMMANDCORE_MAKER_CHECKER_PERMISSIONS", "DEPOSIT_SAVINGSACCOUNT")
		t.Setenv("COMMANDCORE_MAKER_CHECKER_ENABLED", "false")

		cfg, err := config.Load()
		require.NoError(t, err)
		gated, err := cfg.Approvals().RequiresApproval(t.Context(), "DEPOSIT_SAVINGSACCOUNT")
		require.NoError(t, err)
		assert.False(t, gated)
	})

	t.Run("dotenv file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(path, []byte("COMMANDCORE_DB_DRIVER=postgres\nCOMMANDCORE_LOG_FORMAT=json\n"), 0o600))
		t.Cleanup(func() {
			os.Unsetenv("COMMANDCORE_DB_DRIVER")
			os.Unsetenv("COMMANDCORE_LOG_FORMAT")
		})

		cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)
		assert.Equal(t, config.DriverPostgres, cfg.DB.Driver)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("invalid values", func(t *testing.T) {
		t.Setenv("COMMANDCORE_DB_DRIVER", "mysql")
		t.Setenv("COMMANDCORE_IDEMPOTENCY_IN_FLIGHT", "wait")
		t.Setenv("COMMANDCORE_LOG_LEVEL", "loud")

		_, err := config.Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown db driver "mysql"`)
		assert.Contains(t, err.Error(), `unknown log level "loud"`)
	})

	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("COMMANDCORE_IDEMPOTENCY_STALE_AFTER", "soon")
		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestCredentials(t *testing.T) {
	t.Setenv("COMMANDCORE_NATS_CREDENTIALS_KEEPER", "base64key://")
	t.Setenv("COMMANDCORE_NATS_CREDENTIALS_FILE", "/run/secrets/nats")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.NATS.Credentials.Enabled())
	assert.False(t, cfg.DB.Credentials.Enabled())

	t.Setenv("COMMANDCORE_DB_CREDENTIALS_FILE", "/run/secrets/db")
	_, err = config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db credentials need both a keeper and a file")
}
