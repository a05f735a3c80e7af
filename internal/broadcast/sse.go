package broadcast

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SSEHandler streams hub events as Server-Sent Events. Each event is written
// as "event: <name>" plus one JSON data line, and a ": ping" comment is sent
// every keepAlive.
func SSEHandler(hub *Hub, keepAlive time.Duration, logger *slog.Logger) http.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sub := hub.Subscribe()
		defer hub.Unsubscribe(sub)

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				if err := writeSSE(w, msg); err != nil {
					logger.Debug("sse send failed", "error", err)
					hub.Drop(sub)
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
					hub.Drop(sub)
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

func writeSSE(w io.Writer, msg Message) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
	return err
}
