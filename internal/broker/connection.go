package broker

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Close codes passed to Transport.Close. Values follow RFC 6455 so the
// WebSocket transport can forward them verbatim.
const (
	CloseNormalClosure     = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation   = 1008
	CloseInternalServerErr = 1011
)

// Disconnect reasons used by the broker itself.
const (
	ReasonStale           = "stale"
	ReasonShutdown        = "server shutdown"
	ReasonReplaced        = "replaced"
	ReasonHandshakeFailed = "handshake failed"
)

// Transport is the write side of one accepted bidirectional session.
// The broker serialises all calls per connection, so implementations need
// not be safe for concurrent WriteFrame calls.
type Transport interface {
	// WriteFrame writes one encoded frame to the peer.
	WriteFrame(data []byte) error

	// Close sends a close notification carrying code and reason, then
	// releases the underlying connection. It must unblock any pending read.
	Close(code int, reason string) error
}

// Connection is the in-memory record for one accepted transport. Records are
// owned by the Broker; handlers receive a pointer for the duration of a
// dispatch and must not keep it past a disconnect.
type Connection struct {
	// ID is the opaque, process-unique id assigned at accept time.
	ID string

	// UserID is the logical identity, empty for anonymous connections.
	UserID string

	// ConnectedAt is when Connect created the record.
	ConnectedAt time.Time

	transport Transport
	limiter   *rate.Limiter

	lastSeen     atomic.Int64 // unix nanoseconds
	active       atomic.Bool
	messagesSent atomic.Int64

	// subscriptions is guarded by Broker.mu.
	subscriptions map[string]struct{}

	// writeMu serialises frames so they reach the peer in call order.
	writeMu sync.Mutex
	closed  bool

	metaMu   sync.Mutex
	metadata map[string]any
}

func newConnection(id, userID string, t Transport, now time.Time, limiter *rate.Limiter) *Connection {
	c := &Connection{
		ID:            id,
		UserID:        userID,
		ConnectedAt:   now,
		transport:     t,
		limiter:       limiter,
		subscriptions: make(map[string]struct{}),
		metadata:      make(map[string]any),
	}
	c.lastSeen.Store(now.UnixNano())
	c.active.Store(true)
	return c
}

// LastSeen returns the time of the last inbound frame or keep-alive.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Active reports whether the connection is still usable.
func (c *Connection) Active() bool {
	return c.active.Load()
}

// MessagesSent returns the number of frames written to this connection.
func (c *Connection) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// SetMeta stores handler state on the connection.
func (c *Connection) SetMeta(key string, value any) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.metadata[key] = value
}

// Meta returns handler state previously stored with SetMeta.
func (c *Connection) Meta(key string) (any, bool) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

func (c *Connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// write sends one frame under the per-connection write lock.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnectionInactive
	}
	return c.transport.WriteFrame(data)
}

// close waits for any in-flight write, then closes the transport once.
func (c *Connection) close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.transport.Close(code, reason)
}

// ConnectionInfo is a read-only snapshot of a Connection.
type ConnectionInfo struct {
	ID            string    `json:"client_id"`
	UserID        string    `json:"user_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
	Subscriptions []string  `json:"subscriptions"`
	MessagesSent  int64     `json:"messages_sent"`
	Active        bool      `json:"active"`
}

// info must be called with Broker.mu held (read or write).
func (c *Connection) info() ConnectionInfo {
	subs := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		subs = append(subs, ch)
	}
	sort.Strings(subs)
	return ConnectionInfo{
		ID:            c.ID,
		UserID:        c.UserID,
		ConnectedAt:   c.ConnectedAt,
		LastSeen:      c.LastSeen(),
		Subscriptions: subs,
		MessagesSent:  c.MessagesSent(),
		Active:        c.Active(),
	}
}
