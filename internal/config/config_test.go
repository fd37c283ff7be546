package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  user: pixstock
  password: secret
  name: pixstock
nats:
  url: nats://localhost:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 4, cfg.Queue.Workers.High)
	assert.Equal(t, 2, cfg.Queue.Workers.Medium)
	assert.Equal(t, 2, cfg.Queue.Workers.Low)
	assert.Equal(t, 8, cfg.Queue.Workers.Total())
	assert.Equal(t, 4, cfg.Queue.ReservedSlotEvery)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 15*time.Minute, cfg.Queue.BackoffCap)
	assert.Equal(t, 240*time.Second, cfg.Queue.SoftBudget)
	assert.Equal(t, 300*time.Second, cfg.Queue.HardBudget)
	assert.Equal(t, 512, cfg.Index.Dim)
	assert.Equal(t, 4096, cfg.Index.ExactCutover)
	assert.Equal(t, 500, cfg.Index.RebuildThreshold)
	assert.Equal(t, 0.6, cfg.Search.MaxDistance)
	assert.Equal(t, 0.3, cfg.Search.MinQueryQuality)
	assert.Equal(t, 20, cfg.Search.DefaultTopN)
	assert.Equal(t, 50, cfg.Search.MaxTopN)
	assert.Equal(t, 5*time.Second, cfg.Search.Timeout)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
queue:
  workers:
    high: 8
    medium: 4
    low: 1
  max_attempts: 5
search:
  max_distance: 0.45
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Queue.Workers.High)
	assert.Equal(t, 13, cfg.Queue.Workers.Total())
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 0.45, cfg.Search.MaxDistance)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
database:
  host: db.internal
`)

	t.Setenv("PX_SERVER_PORT", "7777")
	t.Setenv("PX_DB_HOST", "other.internal")
	t.Setenv("PX_WORKERS_HIGH", "16")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "other.internal", cfg.Database.Host)
	assert.Equal(t, 16, cfg.Queue.Workers.High)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "localhost", Port: 5432,
		Name: "pixstock", User: "svc", Password: "pw",
	}
	assert.Equal(t, "postgres://svc:pw@localhost:5432/pixstock?sslmode=disable", d.DSN())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
