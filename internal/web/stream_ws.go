package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/inercia/courier/internal/event"
)

// handleStreamWS serves GET /api/conversations/{id}/ws: the primary
// streaming transport. The server pushes event envelopes; the client may
// send "prompt" messages to start a turn on the same connection.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request, conversationID string) {
	if !s.conversations.Exists(conversationID) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	clientIP := getClientIP(r)
	if s.tracker != nil && !s.tracker.TryAdd(clientIP) {
		if s.logger != nil {
			s.logger.Warn("WebSocket rejected: too many connections",
				"client_ip", clientIP)
		}
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	upgrader := newUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.tracker != nil {
			s.tracker.Remove(clientIP)
		}
		if s.logger != nil {
			s.logger.Error("WebSocket upgrade failed", "error", err)
		}
		return
	}

	ws := newStreamConn(conn, conversationID, clientIP,
		s.wsSecurityConfig, s.tracker, s.logger,
		s.cfg.Broadcast.SubscriberBuffer)

	// Subscribe before announcing the connection so the replay snapshot
	// and the live feed are one ordered sequence.
	sub, replay := s.broadcaster.Subscribe(conversationID)

	ctx, cancel := context.WithCancel(r.Context())
	writeDone := make(chan struct{})
	go ws.writePump(ctx, writeDone)

	ws.Send(string(event.KindConnection), map[string]string{
		"conversation_id": conversationID,
	})
	for _, ev := range replay {
		ws.Send(string(ev.Kind), ev)
	}

	// Fan events from the subscription into the send channel.
	go func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					cancel()
					return
				}
				ws.Send(string(ev.Kind), ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Read loop: handles client prompts and detects disconnection.
	defer func() {
		cancel()
		s.broadcaster.Unsubscribe(sub)
		ws.Close()
		<-writeDone
	}()

	for {
		data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleWSClientMessage(r, ws, conversationID, data)
	}
}

// handleWSClientMessage processes one inbound client envelope.
func (s *Server) handleWSClientMessage(r *http.Request, ws *StreamConn, conversationID string, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		ws.SendError("invalid message")
		return
	}

	switch msg.Type {
	case "prompt":
		var req promptRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil || req.Message == "" {
			ws.SendError("prompt requires a message")
			return
		}

		workerID := uuid.NewString()
		producer := s.producerFor(r, conversationID, req.Message)
		s.registry.Register(conversationID, func(ctx context.Context) error {
			return s.runner.Run(ctx, conversationID, workerID, producer)
		})

	default:
		ws.SendError("unknown message type: " + msg.Type)
	}
}
