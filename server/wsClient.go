package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WSObserver streams events to one websocket connection.
type WSObserver struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex // one writer at a time
}

func NewWSObserver(conn *websocket.Conn) *WSObserver {
	return &WSObserver{id: "ws-" + uuid.NewString(), conn: conn}
}

func (o *WSObserver) ID() string { return o.id }

func (o *WSObserver) Send(ev Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := o.conn.WriteJSON(ev); err != nil {
		return err
	}
	slog.Debug("Sent WebSocket event", "to", o.id, "proxy_id", ev.ProxyID, "seq", ev.Envelope.Seq)
	return nil
}
