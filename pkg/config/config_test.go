package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves the test into dir so no stray loupe.yaml is picked up,
// restoring the working directory on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(prev) })
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Pool.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, int64(1000), cfg.Resources.MaxStreamSubscriptions)
	assert.Equal(t, 30*time.Second, cfg.Alerts.TickInterval)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loupe.yaml")
	raw := []byte(`
log_level: debug
server:
  addr: ":9090"
  read_timeout: 5s
cache:
  max_size_mb: 128
  aggressive_ttl: 1h
breaker:
  failure_threshold: 9
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(128), cfg.Cache.MaxSizeMB)
	assert.Equal(t, time.Hour, cfg.Cache.AggressiveTTL)
	assert.Equal(t, 9, cfg.Breaker.FailureThreshold)

	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.Pool.MinSize)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LOUPE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
