package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTmpConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "celestialflow", cfg.Service.Name)
	assert.Equal(t, ":8090", cfg.Reporter.Addr)
	assert.Equal(t, "process", cfg.Graph.LayoutMode)
	assert.False(t, cfg.Graph.PersistLeftovers)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTmpConfig(t, `
service:
  name: my-graph-runner
  log_level: debug
reporter:
  addr: ":9999"
graph:
  layout_mode: serial
  persist_leftovers: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-graph-runner", cfg.Service.Name)
	assert.Equal(t, ":9999", cfg.Reporter.Addr)
	assert.Equal(t, "serial", cfg.Graph.LayoutMode)
	assert.True(t, cfg.Graph.PersistLeftovers)
	// Unset fields should still fall back to defaults.
	assert.Equal(t, "./celestialflow-runs.db", cfg.Store.Path)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CELESTIALFLOW_SERVICE_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Service.LogLevel)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.Error(t, err, "expected an error for a missing config file")
}
