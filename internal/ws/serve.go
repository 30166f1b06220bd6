package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Identifier resolves the user behind an upgrade request.
type Identifier interface {
	Identify(r *http.Request) (string, error)
}

func (h *Hub) upgrader() *websocket.Upgrader {
	allowed := strings.TrimRight(h.opts.AllowedOrigin, "/")
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed == "" || allowed == "*" || origin == "" {
				return true
			}
			return strings.TrimRight(origin, "/") == allowed
		},
	}
}

// ServeWS identifies the caller, resolves its rooms, upgrades the request
// and registers the connection with the hub. Room resolution happens before
// the upgrade so a client that goes away meanwhile is abandoned silently.
func ServeWS(hub *Hub, identifier Identifier, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	hub.logger.Debug("[WS] New WebSocket connection request", "from", remoteAddr)

	userID, err := identifier.Identify(r)
	if err != nil {
		hub.logger.Warn("[WS] Identification failed", "from", remoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := hub.resolver.ResolveRoomsForUser(r.Context(), userID)
	if err != nil {
		hub.logger.Debug("[WS] Client went away during room resolution", "user", userID, "error", err)
		return
	}

	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("[WS] Failed to upgrade connection", "user", userID, "error", err)
		return
	}

	client := newClient(hub, conn, userID)
	if err := hub.Register(r.Context(), client, res); err != nil {
		if !errors.Is(err, ErrHubStopped) {
			hub.logger.Warn("[WS] Registration abandoned", "user", userID, "error", err)
		}
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
