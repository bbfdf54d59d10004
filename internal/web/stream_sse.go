package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStreamSSE serves GET /api/conversations/{id}/events as a
// Server-Sent Events stream, for clients that cannot speak WebSocket.
// Each event is one record; heartbeats arrive on the same stream.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request, conversationID string) {
	if !s.conversations.Exists(conversationID) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub, replay := s.broadcaster.Subscribe(conversationID)
	defer s.broadcaster.Unsubscribe(sub)

	write := func(v interface{}) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range replay {
		if !write(ev) {
			return
		}
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
