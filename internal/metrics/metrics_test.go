package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorRecordCall(t *testing.T) {
	c := NewCollector()

	c.RecordCall("jira", 100*time.Millisecond, false, false)
	c.RecordCall("jira", 300*time.Millisecond, true, false)
	c.RecordCall("jira", 200*time.Millisecond, true, true)

	s := c.ServerSnapshot("jira")
	assert.Equal(t, int64(3), s.Calls)
	assert.Equal(t, int64(2), s.Failures)
	assert.Equal(t, int64(1), s.Timeouts)
	assert.Equal(t, 600*time.Millisecond, s.TotalDuration)
	assert.Equal(t, 200*time.Millisecond, s.AvgDuration)
	assert.False(t, s.LastCall.IsZero())
}

func TestCollectorHealthChecks(t *testing.T) {
	c := NewCollector()

	c.RecordHealthCheck("fs", true)
	c.RecordHealthCheck("fs", false)

	s := c.ServerSnapshot("fs")
	assert.Equal(t, int64(2), s.HealthChecks)
	assert.Equal(t, int64(1), s.HealthFails)
}

func TestCollectorSystemSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordCall("b", time.Millisecond, false, false)
	c.RecordCall("a", time.Millisecond, true, false)
	c.RecordQuery(false)
	c.RecordQuery(true)

	sys := c.SystemSnapshot()
	assert.Equal(t, int64(2), sys.TotalCalls)
	assert.Equal(t, int64(1), sys.TotalFailures)
	assert.Equal(t, int64(2), sys.Queries)
	assert.Equal(t, int64(1), sys.QueryFailures)
	// Sorted by server name.
	assert.Equal(t, "a", sys.Servers[0].Server)
	assert.Equal(t, "b", sys.Servers[1].Server)
}

func TestCollectorUnknownServer(t *testing.T) {
	c := NewCollector()

	s := c.ServerSnapshot("ghost")
	assert.Equal(t, "ghost", s.Server)
	assert.Zero(t, s.Calls)
}

func TestCollectorRemoveAndReset(t *testing.T) {
	c := NewCollector()

	c.RecordCall("a", time.Millisecond, false, false)
	c.RecordCall("b", time.Millisecond, false, false)

	c.RemoveServer("a")
	assert.Zero(t, c.ServerSnapshot("a").Calls)
	assert.Equal(t, int64(1), c.ServerSnapshot("b").Calls)

	c.RecordQuery(false)
	c.Reset()
	sys := c.SystemSnapshot()
	assert.Empty(t, sys.Servers)
	assert.Zero(t, sys.Queries)
}
