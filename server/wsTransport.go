package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tooling only
	},
}

// handleWebSocket streams accepted envelopes for ?proxy=<id>, or for every
// proxy when the parameter is missing or "*".
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	proxyID := r.URL.Query().Get("proxy")
	if proxyID == "" {
		proxyID = AllProxies
	}

	if s.broker.Count() >= s.opts.MaxObservers {
		slog.Warn("Max observers reached, rejecting connection", "remote_addr", r.RemoteAddr)
		http.Error(w, "too many observers", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	// Hijacked connections are not closed by http.Server.Shutdown.
	stop := context.AfterFunc(r.Context(), func() { conn.Close() })
	defer stop()

	observer := NewWSObserver(conn)
	s.broker.Subscribe(proxyID, observer)
	slog.Info("WebSocket observer connected", "addr", r.RemoteAddr, "id", observer.ID(), "proxy_id", proxyID)

	defer func() {
		s.broker.Unsubscribe(proxyID, observer)
		conn.Close()
		slog.Info("WebSocket observer disconnected", "addr", r.RemoteAddr, "id", observer.ID())
	}()

	// Observers never send anything meaningful; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", r.RemoteAddr, "error", err)
			}
			return
		}
	}
}
