package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/connection"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/registry"
)

// callFunc lets each test script the tool call behavior per server.
type callFunc func(ctx context.Context, tool string, args map[string]interface{}) (string, error)

type scriptedSession struct {
	tools []catalog.ToolDescriptor
	call  callFunc
}

func (s *scriptedSession) Initialize(context.Context) error { return nil }

func (s *scriptedSession) ListTools(context.Context) ([]catalog.ToolDescriptor, error) {
	return s.tools, nil
}

func (s *scriptedSession) CallTool(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	if s.call == nil {
		return "ok", nil
	}
	return s.call(ctx, tool, args)
}

func (s *scriptedSession) Ping(context.Context) error { return nil }
func (s *scriptedSession) Close() error               { return nil }

type fixture struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	metrics  *metrics.Collector
	manager  *connection.Manager
	executor *Executor
}

// newFixture builds an executor over connected fake servers.
func newFixture(t *testing.T, sessions map[string]*scriptedSession) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	f := &fixture{
		registry: registry.New(log),
		catalog:  catalog.New(log),
		metrics:  metrics.NewCollector(),
	}
	eventBus := bus.NewMemoryEventBus(log)

	factory := func(_ context.Context, cfg *registry.ServerConfig) (connection.Session, error) {
		s, ok := sessions[cfg.Name]
		if !ok {
			return nil, errors.New("no session scripted")
		}
		return s, nil
	}
	f.manager = connection.NewManager(f.registry, f.catalog, f.metrics, eventBus, log, connection.ManagerOptions{
		ConnectTimeout:     5 * time.Second,
		DefaultCallTimeout: 200 * time.Millisecond,
		Factory:            factory,
	})
	f.executor = NewExecutor(f.manager, f.catalog, f.metrics, eventBus, log, true)

	for name := range sessions {
		require.NoError(t, f.registry.Add(&registry.ServerConfig{
			Name:    name,
			Command: "fake",
			Enabled: true,
		}))
		require.NoError(t, f.manager.Connect(context.Background(), name))
	}
	return f
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"jira": {
			tools: []catalog.ToolDescriptor{{Name: "search_issues"}},
			call: func(_ context.Context, tool string, args map[string]interface{}) (string, error) {
				assert.Equal(t, "search_issues", tool)
				assert.Equal(t, "KNOVA-1", args["key"])
				return "found 3 issues", nil
			},
		},
	})

	result, err := f.executor.Execute(context.Background(), Request{
		Server:    "jira",
		Tool:      "search_issues",
		Arguments: map[string]interface{}{"key": "KNOVA-1"},
	})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, "found 3 issues", result.Output)
	assert.NotEmpty(t, result.CallID)

	snap := f.metrics.ServerSnapshot("jira")
	assert.Equal(t, int64(1), snap.Calls)
	assert.Zero(t, snap.Failures)
}

func TestExecuteNotConnected(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{})
	require.NoError(t, f.registry.Add(&registry.ServerConfig{Name: "down", Command: "fake", Enabled: true}))

	result, err := f.executor.Execute(context.Background(), Request{Server: "down", Tool: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.False(t, result.OK())
}

func TestExecuteToolNotFound(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"jira": {tools: []catalog.ToolDescriptor{{Name: "search_issues"}}},
	})

	_, err := f.executor.Execute(context.Background(), Request{Server: "jira", Tool: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)

	// A bad tool name must not demote the connection.
	assert.True(t, f.manager.IsConnected("jira"))
}

func TestExecuteToolResultErrorKeepsConnection(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"jira": {
			tools: []catalog.ToolDescriptor{{Name: "search_issues"}},
			call: func(context.Context, string, map[string]interface{}) (string, error) {
				return "", &connection.ToolResultError{Tool: "search_issues", Message: "invalid JQL"}
			},
		},
	})

	result, err := f.executor.Execute(context.Background(), Request{Server: "jira", Tool: "search_issues"})
	require.Error(t, err)
	assert.Contains(t, result.Error, "invalid JQL")
	assert.True(t, f.manager.IsConnected("jira"))

	snap := f.metrics.ServerSnapshot("jira")
	assert.Equal(t, int64(1), snap.Failures)
}

func TestExecuteTransportErrorDemotes(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"jira": {
			tools: []catalog.ToolDescriptor{{Name: "search_issues"}},
			call: func(context.Context, string, map[string]interface{}) (string, error) {
				return "", errors.New("broken pipe")
			},
		},
	})

	_, err := f.executor.Execute(context.Background(), Request{Server: "jira", Tool: "search_issues"})
	require.Error(t, err)

	assert.False(t, f.manager.IsConnected("jira"))
	assert.Empty(t, f.catalog.ListByServer("jira"))
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"slow": {
			tools: []catalog.ToolDescriptor{{Name: "crawl"}},
			call: func(ctx context.Context, _ string, _ map[string]interface{}) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
		},
	})

	result, err := f.executor.Execute(context.Background(), Request{Server: "slow", Tool: "crawl"})
	require.Error(t, err)
	assert.True(t, result.TimedOut)
	assert.Contains(t, result.Error, "timed out")

	// Timeouts do not demote; the server may just be slow.
	assert.True(t, f.manager.IsConnected("slow"))

	snap := f.metrics.ServerSnapshot("slow")
	assert.Equal(t, int64(1), snap.Timeouts)
}

func TestExecuteRequestTimeoutOverride(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"slow": {
			tools: []catalog.ToolDescriptor{{Name: "crawl"}},
			call: func(ctx context.Context, _ string, _ map[string]interface{}) (string, error) {
				select {
				case <-time.After(100 * time.Millisecond):
					return "done", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			},
		},
	})

	// Shorter than the 200ms default; the call must be cut off.
	result, err := f.executor.Execute(context.Background(), Request{
		Server:  "slow",
		Tool:    "crawl",
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, result.TimedOut)

	// Longer than the work takes; the call must complete.
	result, err = f.executor.Execute(context.Background(), Request{
		Server:  "slow",
		Tool:    "crawl",
		Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
}

func TestExecuteSerializesPerServer(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	track := func(ctx context.Context, _ string, _ map[string]interface{}) (string, error) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}

	f := newFixture(t, map[string]*scriptedSession{
		"jira": {tools: []catalog.ToolDescriptor{{Name: "t"}}, call: track},
	})

	reqs := []Request{
		{Server: "jira", Tool: "t"},
		{Server: "jira", Tool: "t"},
		{Server: "jira", Tool: "t"},
	}
	results := f.executor.ExecuteBatch(context.Background(), reqs, true, false)

	for _, r := range results {
		assert.True(t, r.OK())
	}
	// Calls against one server never overlap, even in a parallel batch.
	assert.Equal(t, int64(1), maxInFlight.Load())
}

func TestExecuteBatchParallelAcrossServers(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	track := func(ctx context.Context, _ string, _ map[string]interface{}) (string, error) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}

	f := newFixture(t, map[string]*scriptedSession{
		"a": {tools: []catalog.ToolDescriptor{{Name: "t"}}, call: track},
		"b": {tools: []catalog.ToolDescriptor{{Name: "t"}}, call: track},
	})

	results := f.executor.ExecuteBatch(context.Background(), []Request{
		{Server: "a", Tool: "t"},
		{Server: "b", Tool: "t"},
	}, true, false)

	assert.True(t, results[0].OK())
	assert.True(t, results[1].OK())
	assert.GreaterOrEqual(t, maxInFlight.Load(), int64(2))
}

func TestExecuteBatchOrderPreservedWithFailures(t *testing.T) {
	f := newFixture(t, map[string]*scriptedSession{
		"a": {tools: []catalog.ToolDescriptor{{Name: "good"}, {Name: "bad"}},
			call: func(_ context.Context, tool string, _ map[string]interface{}) (string, error) {
				if tool == "bad" {
					return "", &connection.ToolResultError{Tool: tool, Message: "boom"}
				}
				return "out:" + tool, nil
			}},
	})

	reqs := []Request{
		{Server: "a", Tool: "good"},
		{Server: "a", Tool: "bad"},
		{Server: "a", Tool: "good"},
	}
	results := f.executor.ExecuteBatch(context.Background(), reqs, false, false)

	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.Equal(t, "out:good", results[2].Output)
}

func TestExecuteBatchSequentialStopOnError(t *testing.T) {
	var calls atomic.Int64
	f := newFixture(t, map[string]*scriptedSession{
		"a": {tools: []catalog.ToolDescriptor{{Name: "good"}, {Name: "bad"}},
			call: func(_ context.Context, tool string, _ map[string]interface{}) (string, error) {
				calls.Add(1)
				if tool == "bad" {
					return "", &connection.ToolResultError{Tool: tool, Message: "boom"}
				}
				return "ok", nil
			}},
	})

	reqs := []Request{
		{Server: "a", Tool: "good"},
		{Server: "a", Tool: "bad"},
		{Server: "a", Tool: "good"},
	}
	results := f.executor.ExecuteBatch(context.Background(), reqs, false, true)

	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].Skipped)
	assert.Equal(t, int64(2), calls.Load())
}
