package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/knowva/knowva/internal/common/errors"
	"github.com/knowva/knowva/internal/common/logger"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(log)
}

func stdioServer(name string) *ServerConfig {
	return &ServerConfig{
		Name:    name,
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
		Enabled: true,
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Add(stdioServer("filesystem")))
	assert.True(t, r.Exists("filesystem"))

	got, err := r.Get("filesystem")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", got.Name)
	assert.Equal(t, TransportStdio, got.EffectiveTransport())

	require.NoError(t, r.Remove("filesystem"))
	assert.False(t, r.Exists("filesystem"))

	_, err = r.Get("filesystem")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Add(stdioServer("github")))
	err := r.Add(stdioServer("github"))
	require.Error(t, err)

	appErr, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)
}

func TestRegistryUpdate(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Add(stdioServer("github")))

	updated := stdioServer("github")
	updated.Description = "GitHub integration"
	updated.Enabled = false
	require.NoError(t, r.Update(updated))

	got, err := r.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "GitHub integration", got.Description)
	assert.False(t, got.Enabled)

	err = r.Update(stdioServer("missing"))
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRegistryValidation(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.Add(&ServerConfig{Name: "", Command: "npx"}))
	assert.Error(t, r.Add(&ServerConfig{Name: "bad name", Command: "npx"}))
	assert.Error(t, r.Add(&ServerConfig{Name: "nocmd", Transport: TransportStdio}))
	assert.Error(t, r.Add(&ServerConfig{Name: "nourl", Transport: TransportSSE}))
	assert.Error(t, r.Add(&ServerConfig{Name: "badtransport", Transport: "grpc", Command: "x"}))
	assert.NoError(t, r.Add(&ServerConfig{Name: "sse", Transport: TransportSSE, URL: "http://localhost:9000/sse"}))
}

func TestRegistryListSortedAndCopied(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Add(stdioServer("zeta")))
	require.NoError(t, r.Add(stdioServer("alpha")))
	disabled := stdioServer("mid")
	disabled.Enabled = false
	require.NoError(t, r.Add(disabled))

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "zeta", all[2].Name)

	enabled := r.ListEnabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "alpha", enabled[0].Name)
	assert.Equal(t, "zeta", enabled[1].Name)

	// Mutating a returned config must not affect registry state.
	all[0].Args[0] = "mutated"
	fresh, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "-y", fresh.Args[0])
}

func TestRegistryLoadDefaults(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.LoadDefaults())

	atlassian, err := r.Get("atlassian")
	require.NoError(t, err)
	assert.Equal(t, "docker", atlassian.Command)
	assert.True(t, atlassian.Enabled)

	fs, err := r.Get("filesystem")
	require.NoError(t, err)
	assert.False(t, fs.Enabled)
}

func TestRegistryLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	content := `{
  "servers": [
    {
      "name": "github",
      "transport": "stdio",
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-github"],
      "env": {"GITHUB_TOKEN": "${KNOWVA_TEST_GH_TOKEN}"},
      "enabled": true
    }
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("KNOWVA_TEST_GH_TOKEN", "tok-123")

	r := newTestRegistry(t)
	require.NoError(t, r.LoadFromFile(path))

	got, err := r.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got.Env["GITHUB_TOKEN"])
}

func TestRegistryLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	content := `servers:
  - name: brave_search
    transport: stdio
    command: npx
    args: ["-y", "@modelcontextprotocol/server-brave-search"]
    enabled: true
    timeout_seconds: 45
  - name: events
    transport: sse
    url: http://localhost:9000/sse
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r := newTestRegistry(t)
	require.NoError(t, r.LoadFromFile(path))

	brave, err := r.Get("brave_search")
	require.NoError(t, err)
	assert.Equal(t, 45, brave.TimeoutSeconds)

	events, err := r.Get("events")
	require.NoError(t, err)
	assert.Equal(t, TransportSSE, events.Transport)
	assert.False(t, events.Enabled)
}

func TestRegistryLoadFromFileErrors(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.LoadFromFile("/nonexistent/servers.json"))

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("not json"), 0644))
	assert.Error(t, r.LoadFromFile(bad))

	dup := filepath.Join(dir, "dup.json")
	require.NoError(t, os.WriteFile(dup, []byte(`{"servers":[
		{"name":"a","command":"x","enabled":true},
		{"name":"a","command":"y","enabled":true}
	]}`), 0644))
	assert.Error(t, r.LoadFromFile(dup))
}
