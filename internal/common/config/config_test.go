package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.MCP.MaxQueryIterations)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.LLM.Model)
	assert.Empty(t, cfg.Database.Path)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  port: 9090
mcp:
  callTimeout: 45
  maxQueryIterations: 4
database:
  path: /tmp/knowva-test.db
logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45, cfg.MCP.CallTimeout)
	assert.Equal(t, 4, cfg.MCP.MaxQueryIterations)
	assert.Equal(t, "/tmp/knowva-test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KNOWVA_SERVER_PORT", "7070")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-key")
	t.Setenv("KNOWVA_DB_PATH", "/tmp/env.db")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "sk-test-key", cfg.LLM.APIKey)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	content := `server:
  port: 99999
mcp:
  callTimeout: -1
logging:
  level: loud
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "mcp.callTimeout")
	assert.Contains(t, err.Error(), "logging.level")
}
