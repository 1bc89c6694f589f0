package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SCANSYNC_API_BASE_URL", "https://api.dernek.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "scansync.db", cfg.Queue.DBPath)
	assert.Equal(t, 15*time.Second, cfg.APITimeout())
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval())
	assert.Equal(t, "https://api.dernek.test", cfg.Probe.URL, "probe falls back to the API base URL")
	assert.False(t, cfg.Sync.DisableAutoSync)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.BaseRetryDelay())
	assert.Equal(t, 3, cfg.Sync.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.Sync.AutoSyncDebounce())
	assert.Empty(t, cfg.Redis.Dns)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SCANSYNC_API_BASE_URL", "https://api.dernek.test")
	t.Setenv("SCANSYNC_QUEUE_DB_PATH", "/var/lib/scansync/queue.db")
	t.Setenv("SCANSYNC_PROBE_URL", "https://probe.dernek.test/health")
	t.Setenv("SCANSYNC_DISABLE_AUTO_SYNC", "true")
	t.Setenv("SCANSYNC_MAX_RETRIES", "5")
	t.Setenv("SCANSYNC_BASE_RETRY_DELAY_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/scansync/queue.db", cfg.Queue.DBPath)
	assert.Equal(t, "https://probe.dernek.test/health", cfg.Probe.URL)
	assert.True(t, cfg.Sync.DisableAutoSync)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.BaseRetryDelay())
}

func TestLoad_MissingBaseURL(t *testing.T) {
	t.Setenv("SCANSYNC_API_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCANSYNC_API_BASE_URL")
}
