// Package orchestrator runs the bounded model/tool exchange behind a
// query: offer tools to the model, execute the calls it requests, feed
// the observations back, and stop when the model answers in plain text
// or the iteration cap is reached.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/connection"
	"github.com/knowva/knowva/internal/conversation"
	"github.com/knowva/knowva/internal/events"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/execution"
	"github.com/knowva/knowva/internal/llm"
	"github.com/knowva/knowva/internal/metrics"
)

const eventSource = "orchestrator"

// ErrNoServers is returned when a query has no connected servers to use.
var ErrNoServers = errors.New("no connected servers available")

// ErrNoTools is returned when the selected servers advertise no tools.
var ErrNoTools = errors.New("no tools available from the selected servers")

// ToolLoopExhaustedError is returned when the model keeps requesting
// tools past the iteration cap. It carries the servers and tools from
// the attempted iterations so the caller can see what was tried.
type ToolLoopExhaustedError struct {
	Iterations  int
	ServersUsed []string
	ToolsCalled []string
}

func (e *ToolLoopExhaustedError) Error() string {
	return fmt.Sprintf("tool loop exhausted after %d iterations (%d tool calls)", e.Iterations, len(e.ToolsCalled))
}

// QueryRequest describes one user query.
type QueryRequest struct {
	// ConversationID continues an existing conversation. Empty starts a
	// new one.
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Query          string `json:"query"`

	// Servers restricts the tool set to the named servers. Empty means
	// all connected servers.
	Servers []string `json:"servers,omitempty"`

	// DisableChaining asks the model to batch independent calls instead
	// of chaining them one at a time.
	DisableChaining bool `json:"disable_chaining,omitempty"`
}

// QueryResponse is the final answer to a query.
type QueryResponse struct {
	ConversationID string   `json:"conversation_id"`
	Answer         string   `json:"answer"`
	ServersUsed    []string `json:"servers_used,omitempty"`
	ToolsCalled    []string `json:"tools_called,omitempty"`
	Iterations     int      `json:"iterations"`
}

// Options configures the orchestrator.
type Options struct {
	MaxIterations int
	QueryTimeout  time.Duration
}

// Orchestrator drives the query loop.
type Orchestrator struct {
	llm      llm.Client
	catalog  *catalog.Catalog
	executor *execution.Executor
	manager  *connection.Manager
	store    conversation.Store
	metrics  *metrics.Collector
	bus      bus.EventBus
	logger   *logger.Logger

	maxIterations int
	queryTimeout  time.Duration
}

// New creates an orchestrator.
func New(client llm.Client, cat *catalog.Catalog, exec *execution.Executor, mgr *connection.Manager, store conversation.Store, collector *metrics.Collector, eventBus bus.EventBus, log *logger.Logger, opts Options) *Orchestrator {
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 8
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		llm:           client,
		catalog:       cat,
		executor:      exec,
		manager:       mgr,
		store:         store,
		metrics:       collector,
		bus:           eventBus,
		logger:        log,
		maxIterations: maxIterations,
		queryTimeout:  queryTimeout,
	}
}

// ProcessQuery runs one query to completion. The user turn and the final
// assistant turn are appended to the conversation in one atomic write; a
// failed query leaves the conversation unchanged.
func (o *Orchestrator) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.queryTimeout)
	defer cancel()

	servers := req.Servers
	if len(servers) == 0 {
		servers = o.manager.ConnectedServers()
		sort.Strings(servers)
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}

	tools := o.toolDefs(servers)
	if len(tools) == 0 {
		return nil, ErrNoTools
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}

	log := o.logger.WithConversation(conv.ID)
	log.Info("query started",
		zap.Int("server_count", len(servers)),
		zap.Int("tool_count", len(tools)))
	o.publish(ctx, events.SubjectQueryStarted, events.TypeQueryStarted, map[string]interface{}{
		"conversation_id": conv.ID,
		"servers":         servers,
	})

	start := time.Now()
	resp, loopErr := o.runLoop(ctx, log, conv, req, servers, tools)
	o.metrics.RecordQuery(loopErr != nil)

	if loopErr != nil {
		log.WithError(loopErr).Error("query failed",
			zap.Duration("duration", time.Since(start)))
		o.publish(ctx, events.SubjectQueryFinished, events.TypeQueryFinished, map[string]interface{}{
			"conversation_id": conv.ID,
			"success":         false,
			"error":           loopErr.Error(),
		})
		return nil, loopErr
	}

	log.Info("query complete",
		zap.Duration("duration", time.Since(start)),
		zap.Int("iterations", resp.Iterations),
		zap.Int("tool_calls", len(resp.ToolsCalled)))
	o.publish(ctx, events.SubjectQueryFinished, events.TypeQueryFinished, map[string]interface{}{
		"conversation_id": conv.ID,
		"success":         true,
		"iterations":      resp.Iterations,
	})
	return resp, nil
}

// runLoop performs the model/tool exchange.
func (o *Orchestrator) runLoop(ctx context.Context, log *logger.Logger, conv *conversation.Conversation, req QueryRequest, servers []string, tools []llm.ToolDef) (*QueryResponse, error) {
	messages := historyMessages(conv)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Text: req.Query})

	usedServers := map[string]bool{}
	var toolsCalled []string

	for iteration := 1; iteration <= o.maxIterations; iteration++ {
		resp, err := o.llm.Complete(ctx, llm.Request{
			System:   systemPrompt(!req.DisableChaining),
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("model request failed: %w", err)
		}

		if !resp.HasToolCalls() {
			return o.finish(ctx, conv, req, resp.Text, usedServers, toolsCalled, iteration)
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]llm.ToolResult, len(resp.ToolCalls))
		reqs := make([]execution.Request, 0, len(resp.ToolCalls))
		reqIdx := make([]int, 0, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			toolsCalled = append(toolsCalled, call.Name)

			server, ok := o.catalog.Resolve(call.Name, servers)
			if !ok {
				// The model hallucinated a tool. Tell it instead of failing
				// the whole query.
				results[i] = llm.ToolResult{
					CallID:  call.ID,
					Content: fmt.Sprintf("tool %q is not available", call.Name),
					IsError: true,
				}
				continue
			}
			reqs = append(reqs, execution.Request{
				Server:    server,
				Tool:      call.Name,
				Arguments: call.Arguments,
			})
			reqIdx = append(reqIdx, i)
		}

		// Fan the resolved calls out in parallel; same-server calls still
		// serialize on the connection token. Failures come back as error
		// observations so the model can adjust its approach.
		for j, result := range o.executor.ExecuteBatch(ctx, reqs, true, false) {
			call := resp.ToolCalls[reqIdx[j]]
			if !result.OK() {
				results[reqIdx[j]] = llm.ToolResult{
					CallID:  call.ID,
					Content: result.Error,
					IsError: true,
				}
				continue
			}
			usedServers[result.Server] = true
			results[reqIdx[j]] = llm.ToolResult{
				CallID:  call.ID,
				Content: result.Output,
			}
		}

		messages = append(messages, llm.Message{
			Role:        llm.RoleUser,
			ToolResults: results,
		})

		log.Debug("loop iteration finished",
			zap.Int("iteration", iteration),
			zap.Int("tool_calls", len(resp.ToolCalls)))
	}

	return nil, &ToolLoopExhaustedError{
		Iterations:  o.maxIterations,
		ServersUsed: sortedNames(usedServers),
		ToolsCalled: toolsCalled,
	}
}

// sortedNames flattens a server set into a sorted slice.
func sortedNames(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// finish persists the exchange and builds the response.
func (o *Orchestrator) finish(ctx context.Context, conv *conversation.Conversation, req QueryRequest, answer string, usedServers map[string]bool, toolsCalled []string, iterations int) (*QueryResponse, error) {
	serversUsed := sortedNames(usedServers)

	userTurn := conversation.NewTurn("user", req.Query)
	assistantTurn := conversation.NewTurn("assistant", answer)
	assistantTurn.ServersUsed = serversUsed
	assistantTurn.ToolsCalled = toolsCalled

	if err := o.store.AppendTurns(ctx, conv.ID, []conversation.Turn{userTurn, assistantTurn}); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}

	return &QueryResponse{
		ConversationID: conv.ID,
		Answer:         answer,
		ServersUsed:    serversUsed,
		ToolsCalled:    toolsCalled,
		Iterations:     iterations,
	}, nil
}

// resolveConversation loads or creates the conversation for a request.
func (o *Orchestrator) resolveConversation(ctx context.Context, req QueryRequest) (*conversation.Conversation, error) {
	if req.ConversationID == "" {
		return o.store.Create(ctx, req.UserID)
	}
	return o.store.Get(ctx, req.ConversationID)
}

// toolDefs converts catalog entries into model tool definitions.
func (o *Orchestrator) toolDefs(servers []string) []llm.ToolDef {
	entries := o.catalog.ListForServers(servers)
	defs := make([]llm.ToolDef, 0, len(entries))
	seen := map[string]int{}
	for _, t := range entries {
		def := llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
		// On a name collision the later server's definition replaces the
		// earlier one, mirroring tool resolution.
		if idx, dup := seen[t.Name]; dup {
			defs[idx] = def
			continue
		}
		seen[t.Name] = len(defs)
		defs = append(defs, def)
	}
	return defs
}

// historyMessages replays the stored turns as model input.
func historyMessages(conv *conversation.Conversation) []llm.Message {
	messages := make([]llm.Message, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		role := llm.RoleUser
		if turn.Role == "assistant" {
			role = llm.RoleAssistant
		}
		if turn.Content == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Text: turn.Content})
	}
	return messages
}

func (o *Orchestrator) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		o.logger.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}
