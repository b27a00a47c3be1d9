package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratlab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  read_timeout: 5s
registry:
  path: /tmp/lab/registry.db
exploration:
  seed: 42
  strategy: RSI
  region_bias: 0.25
`), 0o644))

	t.Setenv("STRATLAB_BACKTEST_INITIAL_CAPITAL", "50000")
	t.Setenv("STRATLAB_EXPLORATION_TARGET", "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "/tmp/lab/registry.db", cfg.Registry.Path)
	assert.Equal(t, int64(42), cfg.Exploration.Seed)
	assert.Equal(t, "RSI", cfg.Exploration.Strategy)
	assert.Equal(t, 0.25, cfg.Exploration.RegionBias)
	assert.Equal(t, 50000.0, cfg.Backtest.InitialCapital)
	assert.Equal(t, 7, cfg.Exploration.Target)
	assert.Equal(t, 1000, cfg.Exploration.MaxAttempts)
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("STRATLAB_DATA_SOURCE", "clickhouse")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "clickhouse_dsn")

	t.Setenv("STRATLAB_DATA_SOURCE", "ftp")
	_, err = config.Load("")
	assert.ErrorContains(t, err, "unknown data.source")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "stratlab.yaml")
	require.NoError(t, config.WriteDefault(path))
	assert.Error(t, config.WriteDefault(path), "existing file is kept")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestResolveSeed(t *testing.T) {
	now := time.Unix(0, 123456789)
	assert.Equal(t, int64(123456789), config.ExplorationConfig{}.ResolveSeed(now))
	assert.Equal(t, int64(7), config.ExplorationConfig{Seed: 7}.ResolveSeed(now))
}
