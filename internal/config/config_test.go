package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.StaleClaimThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Outbox.StaleSweepInterval)
	assert.Equal(t, time.Minute, cfg.Outbox.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Outbox.DegradedAfter)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_ReadsYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
outbox:
  poll_interval: 2s
  batch_size: 10
  retry_budget: 3
database:
  name: ledger
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 10, cfg.Outbox.BatchSize)
	assert.Equal(t, 3, cfg.Outbox.RetryBudget)
	assert.Equal(t, "ledger", cfg.Database.Name)
}

func TestLoadConfig_EnvironmentOverridesTunables(t *testing.T) {
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_BATCH_SIZE", "7")
	t.Setenv("OUTBOX_STALE_CLAIM_THRESHOLD", "90s")
	t.Setenv("OUTBOX_STALE_SWEEP_INTERVAL", "2m")
	t.Setenv("OUTBOX_MAX_BACKOFF", "20s")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 7, cfg.Outbox.BatchSize)
	assert.Equal(t, 90*time.Second, cfg.Outbox.StaleClaimThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Outbox.StaleSweepInterval)
	assert.Equal(t, 20*time.Second, cfg.Outbox.MaxBackoff)
}

func TestLoadConfig_RejectsInvalidTunables(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "0")

	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "batch_size")
}

func TestLoadConfig_RejectsBackoffBelowPollInterval(t *testing.T) {
	t.Setenv("OUTBOX_POLL_INTERVAL", "10s")
	t.Setenv("OUTBOX_MAX_BACKOFF", "1s")

	_, err := LoadConfig(t.TempDir())
	assert.ErrorContains(t, err, "max_backoff")
}
