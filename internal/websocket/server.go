package websocket

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arkeep-io/switchboard/internal/broker"
)

// Close reasons reported to the broker when the peer goes away.
const (
	ReasonClientClosed = "client closed"
	ReasonReadError    = "read error"
)

// Server upgrades HTTP requests and attaches the resulting connections to a
// broker.
type Server struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a Server. allowedOrigins restricts browser origins; an
// empty list accepts every origin.
func NewServer(b *broker.Broker, allowedOrigins []string, logger *zap.Logger) *Server {
	logger = logger.Named("ws")
	return &Server{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(allowedOrigins, logger),
		},
		logger: logger,
	}
}

// Serve upgrades the request, registers the connection with the broker
// under clientID (generated when empty) and userID, and pumps frames until
// the connection closes. It blocks for the lifetime of the connection.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, clientID, userID string) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	logger := s.logger.With(zap.String("remote_addr", r.RemoteAddr))
	c := newClient(conn, logger)
	go c.writePump()

	id, err := s.broker.Connect(r.Context(), c, clientID, userID)
	if err != nil {
		_ = c.Close(websocket.CloseInternalServerErr, broker.ReasonHandshakeFailed)
		<-c.done
		return fmt.Errorf("websocket register: %w", err)
	}

	s.readPump(r.Context(), c, id, logger.With(zap.String("client_id", id)))
	<-c.done
	return nil
}

// readPump hands every inbound text frame to the broker. When the read
// fails the connection is removed from the broker, which closes the client
// and ends writePump. readPump is the only reader of conn; gorilla allows
// one concurrent reader and one concurrent writer.
func (s *Server) readPump(ctx context.Context, c *Client, id string, logger *zap.Logger) {
	reason := ReasonReadError
	code := broker.CloseInternalServerErr
	// Remove only the record this socket owns. If id was reused by a newer
	// connection (replacement, or a reconnect after a reap) the broker has
	// already closed this one and the successor must stay.
	defer func() {
		s.broker.DisconnectTransport(id, c, code, reason)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		s.broker.Touch(id)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				reason = ReasonClientClosed
				code = broker.CloseNormalClosure
			} else if websocket.IsUnexpectedCloseError(err) {
				logger.Warn("ws: unexpected close", zap.Error(err))
			} else {
				logger.Debug("ws: read ended", zap.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			logger.Warn("ws: failed to set read deadline", zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.broker.HandleMessage(ctx, id, data)
	}
}
