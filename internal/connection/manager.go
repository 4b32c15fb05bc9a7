// Package connection manages the lifecycle of MCP server sessions.
//
// Each server moves through a small state machine: disconnected,
// connecting, connected, error. Concurrent connect requests for the same
// server are coalesced into a single dial attempt, and every connected
// server carries a call token that serializes tool calls against it.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/knowva/knowva/internal/catalog"
	"github.com/knowva/knowva/internal/common/logger"
	"github.com/knowva/knowva/internal/events"
	"github.com/knowva/knowva/internal/events/bus"
	"github.com/knowva/knowva/internal/metrics"
	"github.com/knowva/knowva/internal/registry"
)

const eventSource = "connection-manager"

// conn is the internal record for one server. All fields are guarded by
// the manager mutex except session calls, which happen outside the lock.
type conn struct {
	state       State
	session     Session
	lastErr     string
	connectedAt time.Time
	lastHealth  time.Time
	toolCount   int

	// connectCh is non-nil while a dial attempt is in flight and closed
	// when it finishes, waking any coalesced waiters.
	connectCh chan struct{}

	// callToken serializes tool calls against this server. Capacity one;
	// holding the slot means holding the right to talk to the session.
	callToken chan struct{}

	// callTimeout is the resolved per-call timeout for this server.
	callTimeout time.Duration
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	ConnectTimeout     time.Duration
	DefaultCallTimeout time.Duration
	// Factory dials sessions. Defaults to NewMCPSession.
	Factory SessionFactory
}

// Manager owns all server connections.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*conn

	registry *registry.Registry
	catalog  *catalog.Catalog
	metrics  *metrics.Collector
	bus      bus.EventBus
	factory  SessionFactory
	logger   *logger.Logger

	connectTimeout     time.Duration
	defaultCallTimeout time.Duration
}

// NewManager creates a connection manager.
func NewManager(reg *registry.Registry, cat *catalog.Catalog, collector *metrics.Collector, eventBus bus.EventBus, log *logger.Logger, opts ManagerOptions) *Manager {
	factory := opts.Factory
	if factory == nil {
		factory = NewMCPSession
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	callTimeout := opts.DefaultCallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	return &Manager{
		conns:              make(map[string]*conn),
		registry:           reg,
		catalog:            cat,
		metrics:            collector,
		bus:                eventBus,
		factory:            factory,
		logger:             log,
		connectTimeout:     connectTimeout,
		defaultCallTimeout: callTimeout,
	}
}

// Connect establishes a session with the named server. Connecting to an
// already connected server is a no-op. Concurrent calls for the same
// server share one dial attempt and all observe its outcome.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("server %q: %w", name, ErrServerDisabled)
	}

	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok {
		c = &conn{state: StateDisconnected}
		m.conns[name] = c
	}

	switch c.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		ch := c.connectCh
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		return m.connectOutcome(name)
	}

	c.state = StateConnecting
	c.connectCh = make(chan struct{})
	m.mu.Unlock()

	return m.dial(ctx, name, cfg)
}

// connectOutcome reports the result of a dial attempt a waiter coalesced on.
func (m *Manager) connectOutcome(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conns[name]
	if c != nil && c.state == StateConnected {
		return nil
	}
	if c != nil && c.lastErr != "" {
		return fmt.Errorf("failed to connect to server %q: %s", name, c.lastErr)
	}
	return fmt.Errorf("failed to connect to server %q", name)
}

// dial performs the actual connect attempt. The caller must have moved the
// conn into StateConnecting with a fresh connectCh.
func (m *Manager) dial(ctx context.Context, name string, cfg *registry.ServerConfig) error {
	log := m.logger.WithServer(name)
	log.Info("connecting to server",
		zap.String("transport", string(cfg.EffectiveTransport())))

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	session, err := m.factory(dialCtx, cfg)
	if err == nil {
		err = session.Initialize(dialCtx)
		if err != nil {
			session.Close()
			session = nil
		}
	}

	var tools []catalog.ToolDescriptor
	if err == nil {
		tools, err = session.ListTools(dialCtx)
		if err != nil {
			session.Close()
			session = nil
		}
	}

	if err != nil {
		m.finishDial(name, nil, nil, err)
		log.WithError(err).Error("connection failed")
		m.publish(context.Background(), events.SubjectServerError, events.TypeServerError, map[string]interface{}{
			"server_name": name,
			"error":       err.Error(),
		})
		return fmt.Errorf("failed to connect to server %q: %w", name, err)
	}

	callTimeout := cfg.CallTimeout()
	if callTimeout <= 0 {
		callTimeout = m.defaultCallTimeout
	}
	m.finishDial(name, session, tools, nil)
	m.setCallTimeout(name, callTimeout)
	m.catalog.Refresh(name, tools)

	log.Info("server connected", zap.Int("tool_count", len(tools)))
	m.publish(context.Background(), events.SubjectServerConnected, events.TypeServerConnected, map[string]interface{}{
		"server_name": name,
		"tool_count":  len(tools),
	})
	m.publish(context.Background(), events.SubjectCatalogUpdated, events.TypeCatalogUpdated, map[string]interface{}{
		"server_name": name,
	})
	return nil
}

// finishDial transitions the conn out of StateConnecting and wakes waiters.
func (m *Manager) finishDial(name string, session Session, tools []catalog.ToolDescriptor, dialErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conns[name]
	if c == nil {
		return
	}
	if dialErr != nil {
		c.state = StateError
		c.session = nil
		c.lastErr = dialErr.Error()
		c.toolCount = 0
	} else {
		c.state = StateConnected
		c.session = session
		c.lastErr = ""
		c.connectedAt = time.Now().UTC()
		c.toolCount = len(tools)
		c.callToken = make(chan struct{}, 1)
	}
	if c.connectCh != nil {
		close(c.connectCh)
		c.connectCh = nil
	}
}

func (m *Manager) setCallTimeout(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conns[name]; c != nil {
		c.callTimeout = d
	}
}

// BatchConnect connects several servers. In parallel mode all dials run
// concurrently and every server reports its own outcome. In sequential
// mode servers connect in the given order; with stopOnError the remaining
// servers are skipped after the first failure.
func (m *Manager) BatchConnect(ctx context.Context, names []string, parallel, stopOnError bool) []ConnectResult {
	results := make([]ConnectResult, len(names))
	for i, name := range names {
		results[i] = ConnectResult{Name: name}
	}

	if parallel {
		g, gctx := errgroup.WithContext(ctx)
		for i, name := range names {
			i, name := i, name
			g.Go(func() error {
				if err := m.Connect(gctx, name); err != nil {
					results[i].Error = err.Error()
				}
				return nil
			})
		}
		g.Wait()
		return results
	}

	for i, name := range names {
		if err := m.Connect(ctx, name); err != nil {
			results[i].Error = err.Error()
			if stopOnError {
				for j := i + 1; j < len(names); j++ {
					results[j].Error = "skipped: earlier server failed to connect"
				}
				break
			}
		}
	}
	return results
}

// Disconnect closes the session with the named server. Disconnecting a
// server without a session is a no-op.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	c := m.conns[name]
	if c == nil || c.session == nil {
		if c != nil {
			c.state = StateDisconnected
			c.lastErr = ""
		}
		m.mu.Unlock()
		return nil
	}
	session := c.session
	c.session = nil
	c.state = StateDisconnected
	c.lastErr = ""
	c.toolCount = 0
	m.mu.Unlock()

	if err := session.Close(); err != nil {
		m.logger.WithServer(name).WithError(err).Warn("session close failed")
	}
	m.catalog.Remove(name)

	m.logger.WithServer(name).Info("server disconnected")
	m.publish(ctx, events.SubjectServerDisconnected, events.TypeServerDisconnected, map[string]interface{}{
		"server_name": name,
	})
	return nil
}

// DisconnectAll closes every active session.
func (m *Manager) DisconnectAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name, c := range m.conns {
		if c.session != nil {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Disconnect(ctx, name); err != nil {
			m.logger.WithServer(name).WithError(err).Warn("disconnect failed")
		}
	}
}

// AcquireSession returns the active session for a server after taking its
// call token. The returned release function must be called exactly once.
// Tool calls against one server never overlap.
func (m *Manager) AcquireSession(ctx context.Context, name string) (Session, time.Duration, func(), error) {
	m.mu.Lock()
	c := m.conns[name]
	if c == nil || c.state != StateConnected || c.session == nil {
		m.mu.Unlock()
		return nil, 0, nil, fmt.Errorf("server %q: %w", name, ErrNotConnected)
	}
	session := c.session
	token := c.callToken
	timeout := c.callTimeout
	m.mu.Unlock()

	select {
	case token <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, nil, ctx.Err()
	}

	release := func() { <-token }
	return session, timeout, release, nil
}

// MarkUnhealthy demotes a connected server to the error state, closes its
// session, and removes its tools from the catalog. Used when a tool call
// fails at the transport level.
func (m *Manager) MarkUnhealthy(ctx context.Context, name string, cause error) {
	m.mu.Lock()
	c := m.conns[name]
	if c == nil || c.state != StateConnected {
		m.mu.Unlock()
		return
	}
	session := c.session
	c.session = nil
	c.state = StateError
	c.lastErr = cause.Error()
	c.toolCount = 0
	m.mu.Unlock()

	if session != nil {
		session.Close()
	}
	m.catalog.Remove(name)

	m.logger.WithServer(name).WithError(cause).Warn("server demoted to error state")
	m.publish(ctx, events.SubjectServerError, events.TypeServerError, map[string]interface{}{
		"server_name": name,
		"error":       cause.Error(),
	})
}

// HealthCheck pings one connected server. A failed ping demotes the
// server to the error state.
func (m *Manager) HealthCheck(ctx context.Context, name string) error {
	m.mu.Lock()
	c := m.conns[name]
	if c == nil || c.state != StateConnected || c.session == nil {
		m.mu.Unlock()
		return fmt.Errorf("server %q: %w", name, ErrNotConnected)
	}
	session := c.session
	m.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := session.Ping(pingCtx)
	m.metrics.RecordHealthCheck(name, err == nil)

	if err != nil {
		m.MarkUnhealthy(ctx, name, fmt.Errorf("health check failed: %w", err))
		return err
	}

	m.mu.Lock()
	if c := m.conns[name]; c != nil {
		c.lastHealth = time.Now().UTC()
	}
	m.mu.Unlock()
	return nil
}

// HealthCheckAll pings every connected server.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	for _, name := range m.connectedServers() {
		if err := m.HealthCheck(ctx, name); err != nil {
			m.logger.WithServer(name).WithError(err).Warn("health check failed")
		}
	}
}

// StartHealthLoop runs periodic health sweeps until the context is done.
func (m *Manager) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.HealthCheckAll(ctx)
			}
		}
	}()
}

// connectedServers returns the names of servers in the connected state.
func (m *Manager) connectedServers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.conns))
	for name, c := range m.conns {
		if c.state == StateConnected {
			out = append(out, name)
		}
	}
	return out
}

// ConnectedServers returns the names of currently connected servers.
func (m *Manager) ConnectedServers() []string {
	return m.connectedServers()
}

// IsConnected reports whether the named server has an active session.
func (m *Manager) IsConnected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conns[name]
	return c != nil && c.state == StateConnected
}

// Status returns the connection snapshot for one registered server.
func (m *Manager) Status(name string) (Status, error) {
	if !m.registry.Exists(name) {
		return Status{}, fmt.Errorf("server %q is not registered", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(name), nil
}

// StatusAll returns snapshots for every registered server, including ones
// that have never been connected.
func (m *Manager) StatusAll() []Status {
	configs := m.registry.List()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, m.statusLocked(cfg.Name))
	}
	return out
}

func (m *Manager) statusLocked(name string) Status {
	s := Status{Name: name, State: StateDisconnected}
	if c := m.conns[name]; c != nil {
		s.State = c.state
		s.LastError = c.lastErr
		s.ConnectedAt = c.connectedAt
		s.LastHealthCheck = c.lastHealth
		s.ToolCount = c.toolCount
	}
	return s
}

// Forget removes all connection state for a server after it has been
// removed from the registry. Any active session is closed first.
func (m *Manager) Forget(ctx context.Context, name string) {
	if err := m.Disconnect(ctx, name); err != nil {
		m.logger.WithServer(name).WithError(err).Warn("disconnect failed")
	}
	m.mu.Lock()
	delete(m.conns, name)
	m.mu.Unlock()
	m.metrics.RemoveServer(name)
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.logger.WithError(err).Warn("event publish failed", zap.String("subject", subject))
	}
}
