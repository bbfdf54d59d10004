package web

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/inercia/courier/internal/worker"
)

// handleConversations handles /api/conversations (create and list).
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateConversation(w, r)
	case http.MethodGet:
		s.handleListConversations(w)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Create()
	if err != nil {
		writeErrorJSON(w, http.StatusTooManyRequests, "too_many_conversations", err.Error())
		return
	}
	writeJSONCreated(w, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter) {
	writeJSONOK(w, map[string]interface{}{
		"conversations": s.conversations.List(),
	})
}

// handleConversationDetail dispatches /api/conversations/{id} and its
// subresources: /prompt, /ws, /events, /cancel.
func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	conversationID := parts[0]
	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch sub {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleGetConversation(w, conversationID)
		case http.MethodDelete:
			s.handleDeleteConversation(w, conversationID)
		default:
			methodNotAllowed(w)
		}
	case "prompt":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handlePrompt(w, r, conversationID)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		s.handleCancel(w, conversationID)
	case "ws":
		s.handleStreamWS(w, r, conversationID)
	case "events":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		s.handleStreamSSE(w, r, conversationID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, conversationID string) {
	conv := s.conversations.Get(conversationID)
	if conv == nil {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	stats, _ := s.broadcaster.ConversationStats(conversationID)
	writeJSONOK(w, map[string]interface{}{
		"conversation": conv,
		"subscribers":  stats.Subscribers,
		"buffered":     stats.EventsBuffered,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, conversationID string) {
	if err := s.conversations.Delete(conversationID); err != nil {
		writeErrorJSON(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeNoContent(w)
}

// promptRequest is the body of POST /api/conversations/{id}/prompt.
type promptRequest struct {
	Message string `json:"message"`
}

// handlePrompt registers a worker turn for the conversation. A turn
// already in flight is superseded: cancelled and awaited before the new
// one starts.
func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request, conversationID string) {
	if !s.conversations.Exists(conversationID) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	var req promptRequest
	if !parseJSONBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeErrorJSON(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}

	workerID := uuid.NewString()
	producer := s.producerFor(r, conversationID, req.Message)

	handle := s.registry.Register(conversationID, func(ctx context.Context) error {
		return s.runner.Run(ctx, conversationID, workerID, producer)
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":   handle.ID,
		"worker_id": workerID,
	})
}

// producerFor selects the content producer for a turn: the upstream
// proxy when configured, the built-in echo producer otherwise. The
// client's CSRF token, if any, travels with the proxied turn.
func (s *Server) producerFor(r *http.Request, conversationID, message string) worker.Producer {
	if s.proxy != nil {
		return s.proxy.Producer(conversationID, message, csrfTokenFromRequest(r))
	}
	return &worker.EchoProducer{Message: message}
}

func (s *Server) handleCancel(w http.ResponseWriter, conversationID string) {
	if !s.conversations.Exists(conversationID) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	cancelled := s.registry.Cancel(conversationID)
	writeJSONOK(w, map[string]bool{"cancelled": cancelled})
}
