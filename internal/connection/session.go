package connection

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/registry"
)

// Session is an established protocol session with one MCP server.
type Session interface {
	// Initialize performs the protocol handshake.
	Initialize(ctx context.Context) error

	// ListTools returns the tools advertised by the server.
	ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error)

	// CallTool invokes a tool and returns its text output. A non-nil error
	// with ok=false indicates the server reported a tool-level failure
	// rather than a transport failure.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)

	// Ping checks liveness of the session.
	Ping(ctx context.Context) error

	// Close tears down the session and any subprocess behind it.
	Close() error
}

// SessionFactory dials a server and returns an uninitialized session.
// The connection manager injects fakes in tests through this seam.
type SessionFactory func(ctx context.Context, cfg *registry.ServerConfig) (Session, error)

// ToolResultError marks a tool call that completed over the wire but was
// reported as failed by the server. It must not demote the connection.
type ToolResultError struct {
	Tool    string
	Message string
}

func (e *ToolResultError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

// mcpSession adapts a mark3labs client to the Session interface.
type mcpSession struct {
	client *client.Client
}

// NewMCPSession dials a server according to its transport and wraps the
// resulting client. Stdio sessions spawn the configured command; SSE
// sessions open an HTTP event stream and require an explicit Start.
func NewMCPSession(ctx context.Context, cfg *registry.ServerConfig) (Session, error) {
	switch cfg.EffectiveTransport() {
	case registry.TransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to spawn %s: %w", cfg.Command, err)
		}
		return &mcpSession{client: c}, nil

	case registry.TransportSSE:
		c, err := client.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create sse client for %s: %w", cfg.URL, err)
		}
		if err := c.Start(ctx); err != nil {
			c.Close()
			return nil, sseDialError(cfg.URL, err)
		}
		return &mcpSession{client: c}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// sseDialError adds a hint for the common Docker networking mistake where
// the host URL says localhost but the server runs in another container.
func sseDialError(url string, err error) error {
	if strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1") {
		return fmt.Errorf("failed to reach %s: %w (if running in Docker, use the container service name instead of localhost)", url, err)
	}
	return fmt.Errorf("failed to reach %s: %w", url, err)
}

func (s *mcpSession) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "knowva",
		Version: "1.0.0",
	}
	if _, err := s.client.Initialize(ctx, req); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	return nil
}

func (s *mcpSession) ListTools(ctx context.Context) ([]catalog.ToolDescriptor, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools failed: %w", err)
	}

	tools := make([]catalog.ToolDescriptor, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema := map[string]interface{}{
			"type": tool.InputSchema.Type,
		}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		tools = append(tools, catalog.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(textContent.Text)
		}
	}
	text := sb.String()

	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool reported an error with no message"
		}
		return "", &ToolResultError{Tool: name, Message: msg}
	}
	return text, nil
}

func (s *mcpSession) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}
