// Package fleet is the process-wide registry of live device connections:
// indexed by connection id and by IMEI, with a periodic sweeper that evicts
// stale connections.
package fleet

import (
	"net"
	"sync"
	"time"

	"github.com/protei/gv50ingest/internal/logger"
	"github.com/protei/gv50ingest/pkg/protocol/frame"
)

// Conn is one live TCP connection to a device.
type Conn struct {
	ID           string
	Socket       net.Conn
	ClientIP     string
	Decoder      *frame.Decoder
	PendingCap   int // bounded outbound FIFO depth; 0 uses defaultPendingCap
	mu           sync.Mutex
	imei         string
	lastActivity time.Time
	pending      [][]byte
	closed       bool
}

// defaultPendingCap bounds the per-connection queue of outbound frames
// waiting for the next reply slot.
const defaultPendingCap = 4

// IMEI returns the bound IMEI, or "" if the connection has not bound yet.
func (c *Conn) IMEI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imei
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Write serializes a frame onto the socket. Safe to call concurrently with
// reads on the same connection (the net.Conn itself handles that); callers
// must not hold the registry lock while calling this.
func (c *Conn) Write(b []byte) error {
	_, err := c.Socket.Write(b)
	return err
}

// QueueOutbound appends a frame to the bounded pending FIFO awaiting the
// next reply slot. On overflow the oldest frame is dropped: the pending
// flags in the store are the source of truth and will re-surface the
// command on a later frame.
func (c *Conn) QueueOutbound(b []byte) {
	limit := c.PendingCap
	if limit <= 0 {
		limit = defaultPendingCap
	}
	c.mu.Lock()
	c.pending = append(c.pending, b)
	if len(c.pending) > limit {
		c.pending = c.pending[len(c.pending)-limit:]
	}
	c.mu.Unlock()
}

// NextOutbound pops the oldest queued frame, if any.
func (c *Conn) NextOutbound() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, true
}

// Close closes the underlying socket exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.Socket.Close()
}

// Registry is the single process-wide map of live connections. All
// mutations serialise on one mutex; it must never be held while performing
// a socket write.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Conn
	byIMEI   map[string]*Conn
	timeout  time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	log      *logger.Logger

	// OnEvict, if set, is called once per connection the sweeper closes for
	// inactivity (fleet accounting; see pkg/metrics ConnectionsEvicted).
	OnEvict func()
}

// New creates a registry. timeout is the inactivity window the sweeper
// enforces.
func New(timeout time.Duration) *Registry {
	return &Registry{
		byID:    make(map[string]*Conn),
		byIMEI:  make(map[string]*Conn),
		timeout: timeout,
		stopCh:  make(chan struct{}),
		log:     logger.Get().WithComponent("fleet"),
	}
}

// Register adds a freshly accepted connection, unbound to any IMEI yet.
func (r *Registry) Register(c *Conn) {
	c.lastActivity = time.Now()
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Bind associates a connection with an IMEI once the first frame has been
// parsed. If another connection already owns that IMEI, it is displaced;
// the caller is responsible for closing the returned connection outside the
// registry lock.
func (r *Registry) Bind(c *Conn, imei string) (displaced *Conn) {
	c.mu.Lock()
	c.imei = imei
	c.mu.Unlock()

	r.mu.Lock()
	if existing, ok := r.byIMEI[imei]; ok && existing.ID != c.ID {
		displaced = existing
	}
	r.byIMEI[imei] = c
	r.mu.Unlock()

	if displaced != nil {
		r.log.Info("displacing stale connection for reconnect", "imei", imei, "old_conn_id", displaced.ID, "new_conn_id", c.ID)
	}
	return displaced
}

// Touch records activity on a connection, resetting the sweeper's clock.
func (r *Registry) Touch(c *Conn) {
	c.touch()
}

// Unregister removes a connection from both indexes. No-op if a newer
// connection has already displaced this one from byIMEI.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	delete(r.byID, c.ID)
	imei := c.IMEI()
	if imei != "" {
		if cur, ok := r.byIMEI[imei]; ok && cur.ID == c.ID {
			delete(r.byIMEI, imei)
		}
	}
	r.mu.Unlock()
}

// ByIMEI returns the connection currently bound to an IMEI, if any.
func (r *Registry) ByIMEI(imei string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byIMEI[imei]
	return c, ok
}

// Count returns the number of currently registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// RunSweeper runs the stale-connection sweeper until Stop is called. It
// takes a snapshot of the registry under the lock, then closes expired
// connections without holding the lock during socket I/O.
func (r *Registry) RunSweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		if c.idleSince() > r.timeout {
			r.log.Info("sweeper evicting idle connection", "conn_id", c.ID, "imei", c.IMEI())
			c.Close()
			r.Unregister(c)
			if r.OnEvict != nil {
				r.OnEvict()
			}
		}
	}
}

// Stop terminates the sweeper goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// CloseAll closes every registered connection, used during graceful
// shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		c.Close()
	}
}
