package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// RESTHandler accepts device messages over HTTP at POST /ingest/{topic...}.
// The body is one JSON payload or an array of payloads for the same topic.
func RESTHandler(sink Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topic := r.PathValue("topic")
		if _, err := ParseTopic(topic); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		trim := bytesTrim(body)
		if len(trim) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var payloads []json.RawMessage
		if trim[0] == '[' {
			if err := json.Unmarshal(trim, &payloads); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json array"})
				return
			}
		} else {
			payloads = []json.RawMessage{trim}
		}

		accepted, failed := 0, 0
		full := false
		for _, p := range payloads {
			if err := sink.Submit(topic, p, "rest"); err != nil {
				if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrStopped) {
					full = true
				}
				failed++
				continue
			}
			accepted++
		}

		status := http.StatusAccepted
		switch {
		case accepted == 0 && full:
			status = http.StatusServiceUnavailable
		case accepted == 0:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"accepted": accepted, "failed": failed})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
