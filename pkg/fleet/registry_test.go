package fleet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/gv50ingest/pkg/protocol/frame"
)

func newTestConn(t *testing.T, id string) *Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return &Conn{ID: id, Socket: server, ClientIP: "127.0.0.1", Decoder: frame.NewDecoder(0)}
}

func TestRegistryBindAndLookup(t *testing.T) {
	r := New(time.Hour)
	c := newTestConn(t, "conn-1")
	r.Register(c)

	displaced := r.Bind(c, "865083030049613")
	assert.Nil(t, displaced)

	found, ok := r.ByIMEI("865083030049613")
	require.True(t, ok)
	assert.Equal(t, c.ID, found.ID)
}

func TestRegistryReconnectDisplacesOldConnection(t *testing.T) {
	r := New(time.Hour)
	a := newTestConn(t, "conn-a")
	b := newTestConn(t, "conn-b")
	r.Register(a)
	r.Register(b)

	r.Bind(a, "865083030049613")
	displaced := r.Bind(b, "865083030049613")

	require.NotNil(t, displaced)
	assert.Equal(t, "conn-a", displaced.ID)

	found, ok := r.ByIMEI("865083030049613")
	require.True(t, ok)
	assert.Equal(t, "conn-b", found.ID)
}

func TestRegistryAtMostOneConnectionPerIMEI(t *testing.T) {
	r := New(time.Hour)
	a := newTestConn(t, "conn-a")
	b := newTestConn(t, "conn-b")
	r.Register(a)
	r.Register(b)

	r.Bind(a, "X")
	r.Bind(b, "X")

	count := 0
	r.mu.Lock()
	for range r.byIMEI {
		count++
	}
	r.mu.Unlock()
	assert.Equal(t, 1, count, "at most one connection may be bound to an IMEI at a time")
}

func TestRegistryUnregisterRemovesBothIndexes(t *testing.T) {
	r := New(time.Hour)
	c := newTestConn(t, "conn-1")
	r.Register(c)
	r.Bind(c, "X")

	r.Unregister(c)

	_, ok := r.ByIMEI("X")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestPendingQueueFIFOOrder(t *testing.T) {
	c := newTestConn(t, "conn-1")
	c.QueueOutbound([]byte("first$"))
	c.QueueOutbound([]byte("second$"))

	got, ok := c.NextOutbound()
	require.True(t, ok)
	assert.Equal(t, "first$", string(got))

	got, ok = c.NextOutbound()
	require.True(t, ok)
	assert.Equal(t, "second$", string(got))

	_, ok = c.NextOutbound()
	assert.False(t, ok)
}

func TestPendingQueueOverflowDropsOldest(t *testing.T) {
	c := newTestConn(t, "conn-1")
	c.PendingCap = 2
	c.QueueOutbound([]byte("a$"))
	c.QueueOutbound([]byte("b$"))
	c.QueueOutbound([]byte("c$"))

	got, ok := c.NextOutbound()
	require.True(t, ok)
	assert.Equal(t, "b$", string(got), "overflow must drop the oldest frame")

	got, ok = c.NextOutbound()
	require.True(t, ok)
	assert.Equal(t, "c$", string(got))
}

func TestRegistrySweeperEvictsStaleConnections(t *testing.T) {
	r := New(10 * time.Millisecond)
	c := newTestConn(t, "conn-1")
	r.Register(c)
	c.lastActivity = time.Now().Add(-time.Hour)

	r.sweepOnce()

	assert.Equal(t, 0, r.Count())
}
