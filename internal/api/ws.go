package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arkeep-io/switchboard/internal/auth"
	"github.com/arkeep-io/switchboard/internal/broker"
	"github.com/arkeep-io/switchboard/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws.
//
// The caller's identity comes from a JWT passed as the `token` query
// parameter, since browsers cannot set headers on WebSocket handshakes. The
// token's uid claim becomes the connection's user id. Without a token the
// connection is anonymous unless requireAuth is set. An optional
// `client_id` query parameter asks for a specific connection id; reusing a
// live id replaces that connection.
//
//	ws://host/ws?token=<jwt>&client_id=tab-1
type WSHandler struct {
	server      *websocket.Server
	jwtMgr      *auth.JWTManager
	requireAuth bool
	logger      *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(server *websocket.Server, jwtMgr *auth.JWTManager, requireAuth bool, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		server:      server,
		jwtMgr:      jwtMgr,
		requireAuth: requireAuth,
		logger:      logger.Named("ws_handler"),
	}
}

// ServeWS authenticates the request, upgrades it and blocks until the
// connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var userID string
	if tokenStr := q.Get("token"); tokenStr != "" {
		claims, err := h.jwtMgr.ValidateToken(tokenStr)
		if err != nil {
			h.logger.Debug("ws: rejected token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err),
			)
			ErrUnauthorized(w)
			return
		}
		userID = claims.UserID
	} else if h.requireAuth {
		ErrUnauthorized(w)
		return
	}

	err := h.server.Serve(w, r, q.Get("client_id"), userID)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrShuttingDown):
		h.logger.Debug("ws: refused during shutdown", zap.String("remote_addr", r.RemoteAddr))
	default:
		// The upgrader has already written the HTTP error response.
		h.logger.Warn("ws: connection failed",
			zap.String("user_id", userID),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
	}
}
