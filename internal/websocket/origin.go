package websocket

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// NewCheckOrigin returns a CheckOrigin function for the upgrader. Requests
// without an Origin header (non-browser clients) are always accepted. When
// allowed is empty every origin is accepted; otherwise the request origin
// must match one entry, compared as scheme://host.
func NewCheckOrigin(allowed []string, logger *zap.Logger) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if o := extractOrigin(a); o != "" {
			origins[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(origins) == 0 {
			return true
		}
		if _, ok := origins[strings.ToLower(extractOrigin(origin))]; ok {
			return true
		}
		logger.Warn("websocket origin rejected",
			zap.String("origin", origin),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
