package registry

import (
	"fmt"
	"strings"
	"time"
)

// Transport identifies how a server session is established.
type Transport string

const (
	// TransportStdio launches the server as a subprocess and speaks over pipes.
	TransportStdio Transport = "stdio"
	// TransportSSE connects to a running server over HTTP server-sent events.
	TransportSSE Transport = "sse"
)

// ServerConfig describes a single MCP server.
type ServerConfig struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Transport   Transport `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Stdio transport fields
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// SSE transport field
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	// TimeoutSeconds overrides the default per-tool-call timeout.
	// Zero means use the engine default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// CallTimeout returns the per-call timeout override, or zero if unset.
func (c *ServerConfig) CallTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks that the config is internally consistent.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.ContainsAny(c.Name, " \t\n") {
		return fmt.Errorf("server name %q must not contain whitespace", c.Name)
	}

	switch c.Transport {
	case TransportStdio, "":
		if strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("server %q: command is required for stdio transport", c.Name)
		}
	case TransportSSE:
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("server %q: url is required for sse transport", c.Name)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", c.Name, c.Transport)
	}

	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("server %q: timeout_seconds must not be negative", c.Name)
	}
	return nil
}

// EffectiveTransport resolves the transport, defaulting to stdio.
func (c *ServerConfig) EffectiveTransport() Transport {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}

// clone returns a deep copy so callers cannot mutate registry state.
func (c *ServerConfig) clone() *ServerConfig {
	cp := *c
	if c.Args != nil {
		cp.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		cp.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}
