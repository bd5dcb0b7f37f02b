package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arkeep-io/switchboard/internal/auth"
	"github.com/arkeep-io/switchboard/internal/broker"
	"github.com/arkeep-io/switchboard/internal/metrics"
	"github.com/arkeep-io/switchboard/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Broker   *broker.Broker
	WS       *websocket.Server
	JWT      *auth.JWTManager
	Registry *prometheus.Registry
	Logger   *zap.Logger

	// HTTPMetrics is optional; when set every request is instrumented.
	HTTPMetrics *metrics.HTTPMetrics

	// RequireAuth rejects WebSocket handshakes without a token.
	RequireAuth bool
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.HTTPMetrics != nil {
		r.Use(cfg.HTTPMetrics.Middleware)
	}

	brokerHandler := NewBrokerHandler(cfg.Broker, cfg.Logger)
	wsHandler := NewWSHandler(cfg.WS, cfg.JWT, cfg.RequireAuth, cfg.Logger)

	r.Get("/healthz", brokerHandler.Health)
	r.Get("/ws", wsHandler.ServeWS)
	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Registry))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.JWT))
		r.Use(RequireRole(auth.RoleService))

		r.Get("/stats", brokerHandler.Stats)

		r.Post("/channels/{channel}/messages", brokerHandler.PublishToChannel)
		r.Post("/users/{userID}/messages", brokerHandler.PublishToUser)

		r.Get("/connections", brokerHandler.ListConnections)
		r.Get("/connections/{clientID}", brokerHandler.GetConnection)
		r.Delete("/connections/{clientID}", brokerHandler.CloseConnection)
	})

	return r
}
