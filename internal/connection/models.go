package connection

import (
	"errors"
	"time"
)

// State is the lifecycle state of a server connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Sentinel errors returned by the manager.
var (
	// ErrNotConnected is returned when an operation requires an active
	// session and the server has none.
	ErrNotConnected = errors.New("server is not connected")

	// ErrServerDisabled is returned when connecting to a disabled server.
	ErrServerDisabled = errors.New("server is disabled")
)

// Status is a point-in-time snapshot of one server's connection.
type Status struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	LastError       string    `json:"last_error,omitempty"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	ToolCount       int       `json:"tool_count"`
}

// ConnectResult reports the outcome of one server in a batch connect.
type ConnectResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// OK reports whether the connect attempt succeeded.
func (r ConnectResult) OK() bool {
	return r.Error == ""
}
