// Package catalog maintains the aggregated tool listings of all connected
// MCP servers. Entries are refreshed by the connection layer whenever a
// server connects, reconnects, or disconnects.
package catalog

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/knowva/knowva/internal/common/logger"
)

// ToolDescriptor describes a single tool advertised by a server.
type ToolDescriptor struct {
	Server      string                 `json:"server"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// Catalog is a thread-safe view of tools grouped by server.
type Catalog struct {
	mu     sync.RWMutex
	tools  map[string][]ToolDescriptor // keyed by server name
	logger *logger.Logger
}

// New creates an empty catalog.
func New(log *logger.Logger) *Catalog {
	return &Catalog{
		tools:  make(map[string][]ToolDescriptor),
		logger: log,
	}
}

// Refresh replaces the tool listing for a server.
func (c *Catalog) Refresh(server string, tools []ToolDescriptor) {
	entries := make([]ToolDescriptor, len(tools))
	for i, t := range tools {
		t.Server = server
		entries[i] = t
	}

	c.mu.Lock()
	c.tools[server] = entries
	c.mu.Unlock()

	c.logger.WithServer(server).Debug("tool catalog refreshed",
		zap.Int("tool_count", len(entries)))
}

// Remove drops all tools for a server, typically on disconnect.
func (c *Catalog) Remove(server string) {
	c.mu.Lock()
	delete(c.tools, server)
	c.mu.Unlock()
}

// ListByServer returns the tools for a single server.
func (c *Catalog) ListByServer(server string) []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolDescriptor(nil), c.tools[server]...)
}

// List returns all tools across every server, grouped and sorted by
// server name for stable output.
func (c *Catalog) List() []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]string, 0, len(c.tools))
	for s := range c.tools {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	var out []ToolDescriptor
	for _, s := range servers {
		out = append(out, c.tools[s]...)
	}
	return out
}

// ListForServers returns the tools of the named servers, in the order the
// servers are given. Unknown servers contribute nothing.
func (c *Catalog) ListForServers(servers []string) []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []ToolDescriptor
	for _, s := range servers {
		out = append(out, c.tools[s]...)
	}
	return out
}

// Resolve maps a tool name to its owning server, searching the given
// servers in order. When two servers advertise the same tool name, the
// later server wins, matching the order tools are offered to the model.
func (c *Catalog) Resolve(toolName string, servers []string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	owner := ""
	for _, s := range servers {
		for _, t := range c.tools[s] {
			if t.Name == toolName {
				owner = s
			}
		}
	}
	return owner, owner != ""
}

// Get returns the descriptor of a named tool on a specific server.
func (c *Catalog) Get(server, toolName string) (ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.tools[server] {
		if t.Name == toolName {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// Servers returns the names of servers currently contributing tools.
func (c *Catalog) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.tools))
	for s := range c.tools {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of tools in the catalog.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, tools := range c.tools {
		n += len(tools)
	}
	return n
}
