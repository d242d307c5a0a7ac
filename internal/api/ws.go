package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"pebble-core/internal/hub"
)

// HandleWebSocket upgrades the connection and hands it to the hub. The
// socket starts unauthenticated; clients subscribe to public channels
// immediately and send an auth message before touching private ones.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg.Server.AllowedOrigins, r.Host)
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	if _, err := hub.NewConn(h.svcs.Hub, h.svcs.Verifier, ws, h.logger); err != nil {
		h.logger.Warn("connection rejected", "error", err)
		ws.Close()
	}
}

// isOriginAllowed applies the origin policy: an explicit allowlist wins;
// otherwise same-host and localhost origins are accepted. Non-browser
// clients send no Origin header and always pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}
