package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowva/knowva/internal/common/logger"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return New(log)
}

func TestCatalogRefreshAndList(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("jira", []ToolDescriptor{
		{Name: "search_issues", Description: "Search Jira issues"},
		{Name: "create_issue"},
	})
	c.Refresh("confluence", []ToolDescriptor{
		{Name: "search_pages"},
	})

	assert.Equal(t, 3, c.Count())
	assert.Equal(t, []string{"confluence", "jira"}, c.Servers())

	all := c.List()
	require.Len(t, all, 3)
	// Grouped by server, servers sorted alphabetically.
	assert.Equal(t, "confluence", all[0].Server)
	assert.Equal(t, "jira", all[1].Server)
	assert.Equal(t, "search_issues", all[1].Name)

	jira := c.ListByServer("jira")
	require.Len(t, jira, 2)
	assert.Equal(t, "jira", jira[0].Server)
}

func TestCatalogRefreshReplaces(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("fs", []ToolDescriptor{{Name: "read_file"}, {Name: "write_file"}})
	c.Refresh("fs", []ToolDescriptor{{Name: "read_file"}})

	assert.Equal(t, 1, c.Count())
}

func TestCatalogRemove(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("fs", []ToolDescriptor{{Name: "read_file"}})
	c.Remove("fs")

	assert.Equal(t, 0, c.Count())
	assert.Empty(t, c.ListByServer("fs"))
}

func TestCatalogResolve(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("a", []ToolDescriptor{{Name: "search"}, {Name: "only_a"}})
	c.Refresh("b", []ToolDescriptor{{Name: "search"}})

	server, ok := c.Resolve("only_a", []string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "a", server)

	// Later server wins on a name collision.
	server, ok = c.Resolve("search", []string{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, "b", server)

	server, ok = c.Resolve("search", []string{"b", "a"})
	require.True(t, ok)
	assert.Equal(t, "a", server)

	_, ok = c.Resolve("missing", []string{"a", "b"})
	assert.False(t, ok)

	// Servers outside the search set do not participate.
	_, ok = c.Resolve("only_a", []string{"b"})
	assert.False(t, ok)
}

func TestCatalogListForServers(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("a", []ToolDescriptor{{Name: "t1"}})
	c.Refresh("b", []ToolDescriptor{{Name: "t2"}})

	tools := c.ListForServers([]string{"b", "a", "ghost"})
	require.Len(t, tools, 2)
	assert.Equal(t, "t2", tools[0].Name)
	assert.Equal(t, "t1", tools[1].Name)
}

func TestCatalogGet(t *testing.T) {
	c := newTestCatalog(t)

	c.Refresh("fs", []ToolDescriptor{{
		Name:        "read_file",
		InputSchema: map[string]interface{}{"type": "object"},
	}})

	td, ok := c.Get("fs", "read_file")
	require.True(t, ok)
	assert.Equal(t, "object", td.InputSchema["type"])

	_, ok = c.Get("fs", "nope")
	assert.False(t, ok)
}
