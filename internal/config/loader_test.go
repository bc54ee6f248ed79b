package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoader_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dschat.json")
	content := `{
		"server": {"host": "127.0.0.1", "port": 9090},
		"agent": {"command": "my-agent", "tables": ["users"], "init_timeout": 10, "turn_timeout": 60, "shutdown_grace": 2},
		"sessions": {"max_history_turns": 8}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.Equal(t, []string{"users"}, cfg.Agent.Tables)
	assert.Equal(t, 8, cfg.Sessions.MaxHistoryTurns)
	// Unset sections keep defaults
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoader_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dschat.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_TablesEnvOverride(t *testing.T) {
	t.Setenv("DSCHAT_AGENT_TABLES", " users, orders ,,")

	cfg, err := NewLoader(filepath.Join(t.TempDir(), "nope.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "orders"}, cfg.Agent.Tables)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dschat.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Server.Port = 9999
	cfg.Agent.Tables = []string{"invoices"}
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.Port)
	assert.Equal(t, []string{"invoices"}, loaded.Agent.Tables)
}

func TestSplitCSV(t *testing.T) {
	assert.Empty(t, splitCSV(""))
	assert.Equal(t, []string{"a"}, splitCSV("a"))
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a , b ,"))
}

func TestLoader_GetConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/x.json", NewLoader("/tmp/x.json").GetConfigPath())
	assert.NotEmpty(t, NewLoader("").GetConfigPath())
}
