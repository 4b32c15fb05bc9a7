// Package execution runs tool calls against connected MCP servers.
//
// Calls against the same server are serialized by the connection
// manager's call token; calls against different servers run freely in
// parallel. Transport failures demote the server so later calls fail
// fast instead of hanging on a dead session.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/connection"
	"github.com/knowva/knowva/internal/events"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/metrics"
)

const eventSource = "tool-executor"

// ErrToolNotFound is returned when the server is connected but does not
// advertise the requested tool.
var ErrToolNotFound = errors.New("tool not found on server")

// Request identifies one tool call.
type Request struct {
	Server    string                 `json:"server"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	// Timeout overrides the server's call timeout for this request.
	// Zero means use the server default.
	Timeout time.Duration `json:"-"`
}

// Result is the outcome of one tool call. Failed calls carry the error
// text so batch callers can correlate outcomes with requests by index.
type Result struct {
	Server   string        `json:"server"`
	Tool     string        `json:"tool"`
	CallID   string        `json:"call_id"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Error == "" && !r.Skipped
}

// Executor runs tool calls.
type Executor struct {
	manager *connection.Manager
	catalog *catalog.Catalog
	metrics *metrics.Collector
	bus     bus.EventBus
	logger  *logger.Logger

	// logCalls enables the detailed per-call log lines.
	logCalls bool
}

// NewExecutor creates an executor.
func NewExecutor(mgr *connection.Manager, cat *catalog.Catalog, collector *metrics.Collector, eventBus bus.EventBus, log *logger.Logger, logCalls bool) *Executor {
	return &Executor{
		manager:  mgr,
		catalog:  cat,
		metrics:  collector,
		bus:      eventBus,
		logger:   log,
		logCalls: logCalls,
	}
}

// Execute runs a single tool call. The returned Result is populated even
// when the error is non-nil.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result := Result{
		Server: req.Server,
		Tool:   req.Tool,
		CallID: fmt.Sprintf("%s:%s:%d", req.Server, req.Tool, start.UnixMilli()),
	}

	log := e.logger.WithServer(req.Server).WithFields(
		zap.String("tool", req.Tool),
		zap.String("call_id", result.CallID),
	)
	if e.logCalls {
		log.Info("tool call started")
	}
	e.publish(ctx, events.SubjectToolCallStarted, events.TypeToolCallStarted, map[string]interface{}{
		"call_id":     result.CallID,
		"server_name": req.Server,
		"tool":        req.Tool,
	})

	output, err := e.execute(ctx, req)
	result.Duration = time.Since(start)
	result.Output = output

	failed := err != nil
	timedOut := errors.Is(err, context.DeadlineExceeded)
	result.TimedOut = timedOut
	if err != nil {
		result.Error = err.Error()
	}
	e.metrics.RecordCall(req.Server, result.Duration, failed, timedOut)

	if e.logCalls {
		if err != nil {
			log.WithError(err).Error("tool call failed",
				zap.Duration("duration", result.Duration),
				zap.Bool("timed_out", timedOut))
		} else {
			log.Info("tool call succeeded",
				zap.Duration("duration", result.Duration),
				zap.Int("output_bytes", len(output)))
		}
	}
	e.publish(ctx, events.SubjectToolCallFinished, events.TypeToolCallFinished, map[string]interface{}{
		"call_id":     result.CallID,
		"server_name": req.Server,
		"tool":        req.Tool,
		"success":     err == nil,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, err
}

// execute performs the call once the bookkeeping is set up.
func (e *Executor) execute(ctx context.Context, req Request) (string, error) {
	session, callTimeout, release, err := e.manager.AcquireSession(ctx, req.Server)
	if err != nil {
		return "", err
	}
	defer release()

	if _, ok := e.catalog.Get(req.Server, req.Tool); !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrToolNotFound, req.Tool, req.Server)
	}

	if req.Timeout > 0 {
		callTimeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	output, err := session.CallTool(callCtx, req.Tool, req.Arguments)
	if err == nil {
		return output, nil
	}

	var toolErr *connection.ToolResultError
	switch {
	case errors.As(err, &toolErr):
		// The server answered; the tool itself failed. Session stays up.
		return "", err
	case errors.Is(err, context.DeadlineExceeded):
		return "", fmt.Errorf("tool call timed out after %s: %w", callTimeout, err)
	case errors.Is(err, context.Canceled):
		return "", err
	default:
		// Transport-level failure. Demote so later calls fail fast.
		e.manager.MarkUnhealthy(ctx, req.Server, fmt.Errorf("tool call transport failure: %w", err))
		return "", fmt.Errorf("tool call failed on server %q: %w", req.Server, err)
	}
}

// ExecuteBatch runs several tool calls and returns one result per request
// in request order.
//
// Parallel batches fan out across servers; per-server serialization still
// holds through the call token. Sequential batches run in order and by
// default continue past failures; stopOnError marks the remaining
// requests as skipped after the first failure.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []Request, parallel, stopOnError bool) []Result {
	results := make([]Result, len(reqs))

	if parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, req := range reqs {
			i, req := i, req
			g.Go(func() error {
				results[i], _ = e.Execute(gctx, req)
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	for i, req := range reqs {
		if stopOnError && i > 0 && batchFailed(results[:i]) {
			results[i] = Result{
				Server:  req.Server,
				Tool:    req.Tool,
				Error:   "skipped: earlier call in batch failed",
				Skipped: true,
			}
			continue
		}
		results[i], _ = e.Execute(ctx, req)
	}
	return results
}

func batchFailed(results []Result) bool {
	for _, r := range results {
		if !r.OK() {
			return true
		}
	}
	return false
}

func (e *Executor) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		e.logger.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}
