// Package api provides the REST and WebSocket surface of the engine.
package api

import (
	"time"

	"github.com/knowva/knowva/internal/execution"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/registry"
)

// ConnectServerRequest for connecting or disconnecting one server
type ConnectServerRequest struct {
	ServerName string `json:"server_name" binding:"required"`
}

// BatchConnectRequest for connecting several servers at once
type BatchConnectRequest struct {
	ServerNames []string `json:"server_names" binding:"required"`
	Parallel    bool     `json:"parallel"`
	StopOnError bool     `json:"stop_on_error"`
}

// ExecuteToolRequest for a single tool call
type ExecuteToolRequest struct {
	ServerName     string                 `json:"server_name" binding:"required"`
	ToolName       string                 `json:"tool_name" binding:"required"`
	Arguments      map[string]interface{} `json:"arguments"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// toRequest converts the DTO into an execution request.
func (r *ExecuteToolRequest) toRequest() execution.Request {
	return execution.Request{
		Server:    r.ServerName,
		Tool:      r.ToolName,
		Arguments: r.Arguments,
		Timeout:   time.Duration(r.TimeoutSeconds) * time.Second,
	}
}

// BatchExecuteRequest for several tool calls
type BatchExecuteRequest struct {
	Executions  []ExecuteToolRequest `json:"executions" binding:"required"`
	Parallel    bool                 `json:"parallel"`
	StopOnError bool                 `json:"stop_on_error"`
}

// BatchExecuteResponse carries one result per requested execution
type BatchExecuteResponse struct {
	Results []execution.Result `json:"results"`
	Total   int                `json:"total"`
	Failed  int                `json:"failed"`
}

// QueryRequest for the orchestrated query endpoint
type QueryRequest struct {
	Query           string   `json:"query" binding:"required"`
	UserID          string   `json:"user_id" binding:"required"`
	ServerNames     []string `json:"server_names,omitempty"`
	ConversationID  string   `json:"conversation_id,omitempty"`
	DisableChaining bool     `json:"disable_chaining,omitempty"`
}

// QueryResponse is the final answer
type QueryResponse struct {
	Response       string   `json:"response"`
	ConversationID string   `json:"conversation_id"`
	ServersUsed    []string `json:"servers_used,omitempty"`
	ToolsCalled    []string `json:"tools_called,omitempty"`
	Iterations     int      `json:"iterations"`
}

// ServerInfoResponse combines config, connection state, and tools
type ServerInfoResponse struct {
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Transport       string      `json:"transport"`
	Enabled         bool        `json:"enabled"`
	State           string      `json:"state"`
	LastError       string      `json:"last_error,omitempty"`
	ConnectedAt     *time.Time  `json:"connected_at,omitempty"`
	LastHealthCheck *time.Time  `json:"last_health_check,omitempty"`
	ToolCount       int         `json:"tool_count"`
	Tools           interface{} `json:"tools,omitempty"`
}

// SystemMetricsResponse is the call/query snapshot plus a tally of
// connection states across all registered servers
type SystemMetricsResponse struct {
	metrics.SystemSnapshot
	ServersConnected    int `json:"servers_connected"`
	ServersDisconnected int `json:"servers_disconnected"`
	ServersError        int `json:"servers_error"`
}

// ServerConfigRequest for adding or updating a server configuration
type ServerConfigRequest struct {
	Name           string            `json:"name" binding:"required"`
	Description    string            `json:"description,omitempty"`
	Transport      string            `json:"transport,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	URL            string            `json:"url,omitempty"`
	Enabled        *bool             `json:"enabled,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// toConfig converts the request into a registry config. Enabled defaults
// to true when omitted.
func (r *ServerConfigRequest) toConfig() *registry.ServerConfig {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &registry.ServerConfig{
		Name:           r.Name,
		Description:    r.Description,
		Transport:      registry.Transport(r.Transport),
		Command:        r.Command,
		Args:           r.Args,
		Env:            r.Env,
		URL:            r.URL,
		Enabled:        enabled,
		TimeoutSeconds: r.TimeoutSeconds,
	}
}
