package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"example.com/healthsync/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is not a trust boundary here; the stream is scoped by the bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one frame sent to realtime clients.
type streamMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// realtimeAlerts streams newly created alerts addressed to the caller.
func (h *Handler) realtimeAlerts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, "")
	if !ok {
		return
	}
	sub, err := h.deps.Realtime.Subscribe(realtime.RecipientKey(claims.Subject))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Realtime.Unsubscribe(sub)
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
	h.deps.Realtime.Unsubscribe(sub)
}

// readPump discards client frames and closes done when the peer goes away.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *realtime.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(streamMessage{Type: "INSERT", Data: event.Payload}); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
