package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/arkeep-io/switchboard/internal/broker"
)

// ReasonAPIClose is the close reason used when a service closes a
// connection through the API.
const ReasonAPIClose = "closed by api"

// BrokerHandler exposes broker operations to backend services.
type BrokerHandler struct {
	broker *broker.Broker
	logger *zap.Logger
}

// NewBrokerHandler creates a new BrokerHandler.
func NewBrokerHandler(b *broker.Broker, logger *zap.Logger) *BrokerHandler {
	return &BrokerHandler{
		broker: b,
		logger: logger.Named("broker_handler"),
	}
}

// channelPublishResponse is the response body for PublishToChannel.
type channelPublishResponse struct {
	Channel    string `json:"channel"`
	Recipients int    `json:"recipients"`
}

// userPublishResponse is the response body for PublishToUser.
type userPublishResponse struct {
	UserID    string `json:"user_id"`
	Delivered bool   `json:"delivered"`
}

// PublishToChannel handles POST /api/v1/channels/{channel}/messages.
// The body is the frame to deliver; it must be a JSON object with a "type".
// The optional exclude query parameter names a client id to skip.
func (h *BrokerHandler) PublishToChannel(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	msg, ok := readMessage(w, r)
	if !ok {
		return
	}

	n := h.broker.BroadcastToChannel(channel, msg, r.URL.Query().Get("exclude"))

	h.logger.Debug("published to channel",
		zap.String("channel", channel),
		zap.String("type", string(msg.Kind())),
		zap.Int("recipients", n),
		zap.String("caller", callerID(r)),
	)
	Ok(w, channelPublishResponse{Channel: channel, Recipients: n})
}

// PublishToUser handles POST /api/v1/users/{userID}/messages.
func (h *BrokerHandler) PublishToUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	msg, ok := readMessage(w, r)
	if !ok {
		return
	}

	delivered := h.broker.SendToUser(userID, msg)

	h.logger.Debug("published to user",
		zap.String("user_id", userID),
		zap.String("type", string(msg.Kind())),
		zap.Bool("delivered", delivered),
		zap.String("caller", callerID(r)),
	)
	Ok(w, userPublishResponse{UserID: userID, Delivered: delivered})
}

// Stats handles GET /api/v1/stats.
func (h *BrokerHandler) Stats(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.broker.Stats())
}

// ListConnections handles GET /api/v1/connections.
func (h *BrokerHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.broker.Connections())
}

// GetConnection handles GET /api/v1/connections/{clientID}.
func (h *BrokerHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	info, ok := h.broker.Connection(chi.URLParam(r, "clientID"))
	if !ok {
		ErrNotFound(w)
		return
	}
	Ok(w, info)
}

// CloseConnection handles DELETE /api/v1/connections/{clientID}.
func (h *BrokerHandler) CloseConnection(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if _, ok := h.broker.Connection(clientID); !ok {
		ErrNotFound(w)
		return
	}

	h.broker.Disconnect(clientID, broker.ClosePolicyViolation, ReasonAPIClose)
	h.logger.Info("connection closed via api",
		zap.String("client_id", clientID),
		zap.String("caller", callerID(r)),
	)
	NoContent(w)
}

// Health handles GET /healthz.
func (h *BrokerHandler) Health(w http.ResponseWriter, r *http.Request) {
	s := h.broker.Stats()
	Ok(w, map[string]any{
		"status":             "ok",
		"active_connections": s.ActiveConnections,
		"monitor_running":    s.MonitorRunning,
	})
}

func callerID(r *http.Request) string {
	if c := claimsFromCtx(r.Context()); c != nil {
		return c.UserID
	}
	return ""
}
