package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpec(t *testing.T) {
	cfg := Default()
	require.Equal(t, "t", cfg.Prefix)
	require.Equal(t, "default", cfg.DefaultQueue)
	require.Equal(t, 300.0, cfg.DefaultHardTimeoutSeconds)
	require.Equal(t, 10.0, cfg.ActiveTaskUpdateTimerSeconds)
	require.Equal(t, 60.0, cfg.ActiveTaskUpdateTimeoutSeconds)
	require.EqualValues(t, 10, cfg.ActiveTaskExpiredBatchSize)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
prefix = "myapp"
default_queue = "emails"
active_task_update_timeout_seconds = 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "myapp", cfg.Prefix)
	require.Equal(t, "emails", cfg.DefaultQueue)
	require.Equal(t, 120.0, cfg.ActiveTaskUpdateTimeoutSeconds)
	// Untouched fields keep their defaults.
	require.Equal(t, 300.0, cfg.DefaultHardTimeoutSeconds)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
