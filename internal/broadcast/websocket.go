package broadcast

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// WebSocketHandler streams hub events as JSON {event, data} text frames.
// Inbound frames are ignored apart from keeping the connection alive.
func WebSocketHandler(hub *Hub, keepAlive time.Duration, logger *slog.Logger) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		closed := make(chan struct{})
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait + keepAlive))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait + keepAlive))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("websocket send failed", "error", err)
					hub.Drop(sub)
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					hub.Drop(sub)
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
