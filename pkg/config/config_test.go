package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAESTRO_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	// An explicitly named but missing file must fail loudly...
	_, err := Load()
	require.Error(t, err)

	// ...while the implicit ./maestro.yaml may simply not exist.
	t.Setenv("MAESTRO_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Broker.PollInterval)
}

func TestLoadRejectsNonUTCTimezone(t *testing.T) {
	t.Setenv("TZ", "Europe/Prague")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TZ must be UTC")
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("WORKER_POOL_NAME", "etl")
	t.Setenv("WORKER_POOL_RUNTIME", "gpu")
	t.Setenv("LISTEN_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "etl", cfg.Worker.Pool)
	assert.Equal(t, "gpu", cfg.Worker.Runtime)
	assert.Equal(t, ":9000", cfg.ListenAddr)
}

func TestYAMLOverlayWithEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	content := `
database:
  host: "{{.TEST_DB_HOST}}"
  database: maestro
broker:
  poll_interval: 3s
worker:
  concurrency: 8
  lease_duration: 2m
retention:
  max_age: 240h
  batch: 50
listen_addr: ":7070"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MAESTRO_CONFIG", path)
	t.Setenv("TEST_DB_HOST", "pg.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "pg.example.com", cfg.Database.Host)
	assert.Equal(t, "maestro", cfg.Database.Database)
	assert.Equal(t, 3*time.Second, cfg.Broker.PollInterval)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Worker.LeaseDuration)
	assert.Equal(t, 240*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 50, cfg.Retention.Batch)
	assert.Equal(t, ":7070", cfg.ListenAddr)

	// Defaults survive where the overlay is silent.
	assert.Equal(t, 15*time.Second, cfg.Broker.ReapInterval)
}

func TestEnvironmentWinsOverYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: from-yaml\n"), 0o600))
	t.Setenv("MAESTRO_CONFIG", path)
	t.Setenv("POSTGRES_HOST", "from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
}
