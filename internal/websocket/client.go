// Package websocket adapts gorilla/websocket connections to the broker.
//
// Each accepted connection runs two goroutines: readPump feeds inbound text
// frames to the broker and detects disconnection, writePump serialises the
// frames the broker hands to Client.WriteFrame onto the wire and sends
// periodic pings.
package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for any frame, pong included,
	// before treating the peer as gone.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound frame size in bytes.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the capacity of the per-client outbound queue.
	sendBufferSize = 64
)

var (
	// ErrSlowConsumer is returned by WriteFrame when the outbound queue is
	// full. The broker marks the connection inactive and the health monitor
	// reaps it.
	ErrSlowConsumer = errors.New("websocket: send buffer full")

	// ErrClosed is returned by WriteFrame after Close.
	ErrClosed = errors.New("websocket: connection closed")
)

type closeFrame struct {
	code   int
	reason string
}

// Client is a broker.Transport backed by a gorilla connection.
//
// WriteFrame never touches the socket: it queues the frame for writePump,
// which is the only goroutine writing data frames. Close queues a close
// frame behind everything already accepted, so a peer receives every frame
// sent before the close.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte
	final  closeFrame

	// done is closed when writePump exits.
	done chan struct{}
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// WriteFrame queues data as one text frame.
func (c *Client) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	// Never block the broker: it writes while fanning out to many
	// connections. A peer that cannot keep up with the buffer is reported as
	// failed, which marks it inactive until the health monitor reaps it.
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close sends a close frame carrying code and reason after the queued frames
// and then closes the socket. Only the first call has an effect.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.final = closeFrame{code: code, reason: reason}
	// Closing the channel instead of writing the close frame here keeps
	// writePump the single writer and lets it flush every frame accepted so
	// far first: a "replaced" or "server shutdown" close never overtakes the
	// last broadcast the broker handed us.
	close(c.send)
	return nil
}

// writePump forwards queued frames to the wire and pings the peer. It exits
// when the send queue is closed or a write fails, closing the socket either
// way so readPump unblocks.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				// Close was called and the queue is drained: send the
				// close frame with the broker's code and reason, then exit.
				c.mu.Lock()
				final := c.final
				c.mu.Unlock()
				msg := websocket.FormatCloseMessage(final.code, final.reason)
				if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					c.logger.Debug("ws: close frame not delivered", zap.Error(err))
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				c.abandon()
				return
			}

		case <-ticker.C:
			// WriteControl is safe alongside WriteMessage; the pong resets
			// the read deadline and activity timestamp in readPump.
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				c.abandon()
				return
			}
		}
	}
}

// abandon stops accepting frames after writePump has given up on the socket.
func (c *Client) abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
