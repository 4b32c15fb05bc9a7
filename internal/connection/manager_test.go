package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/registry"
)

// fakeSession is a scriptable Session for tests.
type fakeSession struct {
	initErr  error
	tools    []catalog.ToolDescriptor
	listErr  error
	pingErr  error
	pingErrs atomic.Value // optional func() error
	closed   atomic.Bool
}

func (f *fakeSession) Initialize(context.Context) error { return f.initErr }

func (f *fakeSession) ListTools(context.Context) ([]catalog.ToolDescriptor, error) {
	return f.tools, f.listErr
}

func (f *fakeSession) CallTool(context.Context, string, map[string]interface{}) (string, error) {
	return "", nil
}

func (f *fakeSession) Ping(context.Context) error {
	if fn, ok := f.pingErrs.Load().(func() error); ok && fn != nil {
		return fn()
	}
	return f.pingErr
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

type fixture struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
	metrics  *metrics.Collector
	bus      *bus.MemoryEventBus
	manager  *Manager
	dials    atomic.Int64
}

func newFixture(t *testing.T, factory SessionFactory) *fixture {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	f := &fixture{
		registry: registry.New(log),
		catalog:  catalog.New(log),
		metrics:  metrics.NewCollector(),
		bus:      bus.NewMemoryEventBus(log),
	}
	counted := func(ctx context.Context, cfg *registry.ServerConfig) (Session, error) {
		f.dials.Add(1)
		return factory(ctx, cfg)
	}
	f.manager = NewManager(f.registry, f.catalog, f.metrics, f.bus, log, ManagerOptions{
		ConnectTimeout:     5 * time.Second,
		DefaultCallTimeout: 5 * time.Second,
		Factory:            counted,
	})
	return f
}

func addServer(t *testing.T, f *fixture, name string, enabled bool) {
	t.Helper()
	require.NoError(t, f.registry.Add(&registry.ServerConfig{
		Name:    name,
		Command: "fake",
		Enabled: enabled,
	}))
}

func TestConnectSuccess(t *testing.T) {
	session := &fakeSession{tools: []catalog.ToolDescriptor{{Name: "search"}, {Name: "fetch"}}}
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return session, nil
	})
	addServer(t, f, "jira", true)

	require.NoError(t, f.manager.Connect(context.Background(), "jira"))

	status, err := f.manager.Status("jira")
	require.NoError(t, err)
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, 2, status.ToolCount)
	assert.False(t, status.ConnectedAt.IsZero())

	assert.Len(t, f.catalog.ListByServer("jira"), 2)
	assert.True(t, f.manager.IsConnected("jira"))

	// Connecting again is a no-op.
	require.NoError(t, f.manager.Connect(context.Background(), "jira"))
	assert.Equal(t, int64(1), f.dials.Load())
}

func TestConnectUnknownAndDisabled(t *testing.T) {
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	addServer(t, f, "off", false)

	assert.Error(t, f.manager.Connect(context.Background(), "ghost"))

	err := f.manager.Connect(context.Background(), "off")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerDisabled)
	assert.Zero(t, f.dials.Load())
}

func TestConnectFailureSetsErrorState(t *testing.T) {
	dialErr := errors.New("spawn failed")
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return nil, dialErr
	})
	addServer(t, f, "fs", true)

	err := f.manager.Connect(context.Background(), "fs")
	require.Error(t, err)

	status, err := f.manager.Status("fs")
	require.NoError(t, err)
	assert.Equal(t, StateError, status.State)
	assert.Contains(t, status.LastError, "spawn failed")
	assert.False(t, f.manager.IsConnected("fs"))
}

func TestConnectRetriesAfterError(t *testing.T) {
	var attempts atomic.Int64
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return &fakeSession{}, nil
	})
	addServer(t, f, "fs", true)

	require.Error(t, f.manager.Connect(context.Background(), "fs"))
	require.NoError(t, f.manager.Connect(context.Background(), "fs"))
	assert.True(t, f.manager.IsConnected("fs"))
}

func TestConcurrentConnectsCoalesce(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		<-release
		return &fakeSession{tools: []catalog.ToolDescriptor{{Name: "t"}}}, nil
	})
	addServer(t, f, "slow", true)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.manager.Connect(context.Background(), "slow")
		}(i)
	}

	// Let the goroutines pile up on the single in-flight dial.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, int64(1), f.dials.Load())
}

func TestDisconnect(t *testing.T) {
	session := &fakeSession{tools: []catalog.ToolDescriptor{{Name: "t"}}}
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return session, nil
	})
	addServer(t, f, "jira", true)

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "jira"))
	require.NoError(t, f.manager.Disconnect(ctx, "jira"))

	assert.True(t, session.closed.Load())
	assert.Empty(t, f.catalog.ListByServer("jira"))

	status, err := f.manager.Status("jira")
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, status.State)

	// Idempotent.
	require.NoError(t, f.manager.Disconnect(ctx, "jira"))
	require.NoError(t, f.manager.Disconnect(ctx, "never-connected"))
}

func TestAcquireSessionSerializes(t *testing.T) {
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	addServer(t, f, "jira", true)

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "jira"))

	_, timeout, release, err := f.manager.AcquireSession(ctx, "jira")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)

	// A second acquire must block until the first release.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, _, err = f.manager.AcquireSession(blocked, "jira")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, _, release2, err := f.manager.AcquireSession(ctx, "jira")
	require.NoError(t, err)
	release2()
}

func TestAcquireSessionNotConnected(t *testing.T) {
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	addServer(t, f, "jira", true)

	_, _, _, err := f.manager.AcquireSession(context.Background(), "jira")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHealthCheckDemotesOnFailure(t *testing.T) {
	session := &fakeSession{tools: []catalog.ToolDescriptor{{Name: "t"}}}
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return session, nil
	})
	addServer(t, f, "jira", true)

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "jira"))

	require.NoError(t, f.manager.HealthCheck(ctx, "jira"))
	status, _ := f.manager.Status("jira")
	assert.False(t, status.LastHealthCheck.IsZero())

	session.pingErrs.Store(func() error { return errors.New("pipe broken") })
	require.Error(t, f.manager.HealthCheck(ctx, "jira"))

	status, _ = f.manager.Status("jira")
	assert.Equal(t, StateError, status.State)
	assert.Contains(t, status.LastError, "pipe broken")
	assert.True(t, session.closed.Load())
	assert.Empty(t, f.catalog.ListByServer("jira"))

	snap := f.metrics.ServerSnapshot("jira")
	assert.Equal(t, int64(2), snap.HealthChecks)
	assert.Equal(t, int64(1), snap.HealthFails)
}

func TestMarkUnhealthy(t *testing.T) {
	session := &fakeSession{tools: []catalog.ToolDescriptor{{Name: "t"}}}
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return session, nil
	})
	addServer(t, f, "jira", true)

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "jira"))

	f.manager.MarkUnhealthy(ctx, "jira", errors.New("transport reset"))

	status, _ := f.manager.Status("jira")
	assert.Equal(t, StateError, status.State)
	assert.Empty(t, f.catalog.ListByServer("jira"))
}

func TestBatchConnectParallel(t *testing.T) {
	f := newFixture(t, func(_ context.Context, cfg *registry.ServerConfig) (Session, error) {
		if cfg.Name == "bad" {
			return nil, errors.New("boom")
		}
		return &fakeSession{}, nil
	})
	addServer(t, f, "a", true)
	addServer(t, f, "bad", true)
	addServer(t, f, "c", true)

	results := f.manager.BatchConnect(context.Background(), []string{"a", "bad", "c"}, true, false)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.True(t, f.manager.IsConnected("a"))
	assert.True(t, f.manager.IsConnected("c"))
}

func TestBatchConnectSequentialStopOnError(t *testing.T) {
	var order []string
	var mu sync.Mutex
	f := newFixture(t, func(_ context.Context, cfg *registry.ServerConfig) (Session, error) {
		mu.Lock()
		order = append(order, cfg.Name)
		mu.Unlock()
		if cfg.Name == "bad" {
			return nil, errors.New("boom")
		}
		return &fakeSession{}, nil
	})
	addServer(t, f, "a", true)
	addServer(t, f, "bad", true)
	addServer(t, f, "c", true)

	results := f.manager.BatchConnect(context.Background(), []string{"a", "bad", "c"}, false, true)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Contains(t, results[2].Error, "skipped")
	assert.Equal(t, []string{"a", "bad"}, order)
	assert.False(t, f.manager.IsConnected("c"))
}

func TestBatchConnectSequentialContinues(t *testing.T) {
	f := newFixture(t, func(_ context.Context, cfg *registry.ServerConfig) (Session, error) {
		if cfg.Name == "bad" {
			return nil, errors.New("boom")
		}
		return &fakeSession{}, nil
	})
	addServer(t, f, "a", true)
	addServer(t, f, "bad", true)
	addServer(t, f, "c", true)

	results := f.manager.BatchConnect(context.Background(), []string{"a", "bad", "c"}, false, false)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.True(t, results[2].OK())
	assert.True(t, f.manager.IsConnected("c"))
}

func TestForget(t *testing.T) {
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	addServer(t, f, "jira", true)

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx, "jira"))
	f.metrics.RecordCall("jira", time.Millisecond, false, false)

	f.manager.Forget(ctx, "jira")

	assert.False(t, f.manager.IsConnected("jira"))
	assert.Zero(t, f.metrics.ServerSnapshot("jira").Calls)
}

func TestStatusAllIncludesNeverConnected(t *testing.T) {
	f := newFixture(t, func(context.Context, *registry.ServerConfig) (Session, error) {
		return &fakeSession{}, nil
	})
	addServer(t, f, "a", true)
	addServer(t, f, "b", true)

	require.NoError(t, f.manager.Connect(context.Background(), "a"))

	all := f.manager.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, StateConnected, all[0].State)
	assert.Equal(t, StateDisconnected, all[1].State)
}
