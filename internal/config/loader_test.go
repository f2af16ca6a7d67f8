package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when the file does not exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("SQLSABER_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 12, cfg.Agent.TurnBudget)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "sqlsaber.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(tmpDir, "registry.yaml"), cfg.Registry.Path)
	})

	t.Run("should merge file values over defaults", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "sqlsaber.json")

		content := `{
			"data_dir": "` + filepath.ToSlash(tmpDir) + `",
			"server": {"port": 9999},
			"agent": {"turn_budget": 5},
			"queue": {"workers": 2}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 5, cfg.Agent.TurnBudget)
		assert.Equal(t, 2, cfg.Agent.MaxRetries)
		assert.Equal(t, 2, cfg.Queue.Workers)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("SQLSABER_DATA_DIR", tmpDir)
		t.Setenv("SQLSABER_AGENT_TURN_BUDGET", "3")
		t.Setenv("SQLSABER_TOOLS_ROW_LIMIT", "50")

		cfg, err := NewLoader(filepath.Join(tmpDir, "missing.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Agent.TurnBudget)
		assert.Equal(t, 50, cfg.Tools.RowLimit)
	})

	t.Run("should fail on malformed json", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "sqlsaber.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{not json`), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "sqlsaber.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Server.Port = 7777
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.Server.Port)
	assert.Equal(t, tmpDir, loaded.DataDir)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/sqlsaber.json", NewLoader("/etc/sqlsaber.json").GetConfigPath())
	assert.Contains(t, NewLoader("").GetConfigPath(), filepath.Join(".sqlsaber", "sqlsaber.json"))
}
