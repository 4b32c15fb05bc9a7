// Package metrics collects in-process counters for tool calls and server
// health. Counters are monotonic within a process lifetime; Reset exists
// for the admin surface and for tests.
package metrics

import (
	"sync"
	"time"
)

// serverMetrics accumulates per-server counters.
type serverMetrics struct {
	calls         int64
	failures      int64
	timeouts      int64
	totalDuration time.Duration
	lastCall      time.Time
	healthChecks  int64
	healthFails   int64
	lastHealth    time.Time
}

// ServerSnapshot is a read-only view of one server's counters.
type ServerSnapshot struct {
	Server        string        `json:"server"`
	Calls         int64         `json:"calls"`
	Failures      int64         `json:"failures"`
	Timeouts      int64         `json:"timeouts"`
	AvgDuration   time.Duration `json:"avg_duration"`
	TotalDuration time.Duration `json:"total_duration"`
	LastCall      time.Time     `json:"last_call,omitempty"`
	HealthChecks  int64         `json:"health_checks"`
	HealthFails   int64         `json:"health_failures"`
	LastHealth    time.Time     `json:"last_health_check,omitempty"`
}

// SystemSnapshot aggregates counters across all servers.
type SystemSnapshot struct {
	Servers       []ServerSnapshot `json:"servers"`
	TotalCalls    int64            `json:"total_calls"`
	TotalFailures int64            `json:"total_failures"`
	TotalTimeouts int64            `json:"total_timeouts"`
	Queries       int64            `json:"queries"`
	QueryFailures int64            `json:"query_failures"`
	StartedAt     time.Time        `json:"started_at"`
}

// Collector accumulates metrics. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	servers   map[string]*serverMetrics
	queries   int64
	queryErrs int64
	startedAt time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		servers:   make(map[string]*serverMetrics),
		startedAt: time.Now().UTC(),
	}
}

func (c *Collector) server(name string) *serverMetrics {
	m, ok := c.servers[name]
	if !ok {
		m = &serverMetrics{}
		c.servers[name] = m
	}
	return m
}

// RecordCall records the outcome of one tool call.
func (c *Collector) RecordCall(server string, duration time.Duration, failed, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.server(server)
	m.calls++
	m.totalDuration += duration
	m.lastCall = time.Now().UTC()
	if failed {
		m.failures++
	}
	if timedOut {
		m.timeouts++
	}
}

// RecordHealthCheck records the outcome of one health check.
func (c *Collector) RecordHealthCheck(server string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.server(server)
	m.healthChecks++
	m.lastHealth = time.Now().UTC()
	if !healthy {
		m.healthFails++
	}
}

// RecordQuery records the outcome of one orchestrated query.
func (c *Collector) RecordQuery(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries++
	if failed {
		c.queryErrs++
	}
}

// RemoveServer drops the counters for a server, used when a server is
// deleted from the registry.
func (c *Collector) RemoveServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, server)
}

// ServerSnapshot returns the counters for one server. The zero snapshot is
// returned for servers that have never been recorded.
func (c *Collector) ServerSnapshot(server string) ServerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.servers[server]
	if !ok {
		return ServerSnapshot{Server: server}
	}
	return snapshotLocked(server, m)
}

func snapshotLocked(name string, m *serverMetrics) ServerSnapshot {
	s := ServerSnapshot{
		Server:        name,
		Calls:         m.calls,
		Failures:      m.failures,
		Timeouts:      m.timeouts,
		TotalDuration: m.totalDuration,
		LastCall:      m.lastCall,
		HealthChecks:  m.healthChecks,
		HealthFails:   m.healthFails,
		LastHealth:    m.lastHealth,
	}
	if m.calls > 0 {
		s.AvgDuration = m.totalDuration / time.Duration(m.calls)
	}
	return s
}

// SystemSnapshot returns the aggregated counters for all servers.
func (c *Collector) SystemSnapshot() SystemSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := SystemSnapshot{
		Queries:       c.queries,
		QueryFailures: c.queryErrs,
		StartedAt:     c.startedAt,
	}
	for name, m := range c.servers {
		s := snapshotLocked(name, m)
		out.Servers = append(out.Servers, s)
		out.TotalCalls += s.Calls
		out.TotalFailures += s.Failures
		out.TotalTimeouts += s.Timeouts
	}
	sortSnapshots(out.Servers)
	return out
}

func sortSnapshots(s []ServerSnapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Server < s[j-1].Server; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Reset clears all counters and restarts the collection window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.servers = make(map[string]*serverMetrics)
	c.queries = 0
	c.queryErrs = 0
	c.startedAt = time.Now().UTC()
}
