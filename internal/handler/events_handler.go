package handler

import (
	"log/slog"
	"net/http"
	"task-outbox/internal/models"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Subscriber is a source of outbox changes
type Subscriber interface {
	Subscribe() (<-chan models.Change, func())
}

// EventsHandler streams outbox changes to websocket clients
type EventsHandler struct {
	source Subscriber
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(source Subscriber) *EventsHandler {
	return &EventsHandler{source: source}
}

// Stream handles GET /events. Each change is sent as one JSON text message.
// Clients that fall behind miss changes and should re-read /status.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	changes, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	slog.Debug("events client connected", slog.String("remote", r.RemoteAddr))

	// reader: only control frames are expected
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			slog.Debug("events client disconnected", slog.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(change); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
