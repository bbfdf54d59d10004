package web

import (
	"net/http"
	"strings"
)

// sessionStateResponse is the shape of GET /debug/session/{id}/state.
type sessionStateResponse struct {
	Session        sessionState     `json:"session"`
	Broadcaster    broadcasterState `json:"broadcaster"`
	BackgroundTask taskState        `json:"backgroundTask"`
	Health         string           `json:"health"`
}

type sessionState struct {
	Exists              bool `json:"exists"`
	HasExecutionContext bool `json:"hasExecutionContext"`
}

type broadcasterState struct {
	Subscribers    int `json:"subscribers"`
	EventsBuffered int `json:"eventsBuffered"`
}

type taskState struct {
	Active bool   `json:"active"`
	ID     string `json:"id,omitempty"`
}

// handleDebugSessionState serves GET /debug/session/{id}/state: a
// point-in-time snapshot of everything attached to one conversation.
func (s *Server) handleDebugSessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/debug/session/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "state" {
		http.NotFound(w, r)
		return
	}
	conversationID := parts[0]

	resp := sessionStateResponse{
		Health: string(s.broadcaster.Health()),
	}
	resp.Session.Exists = s.conversations.Exists(conversationID)
	_, hasCtx := s.contexts.Get(conversationID)
	resp.Session.HasExecutionContext = hasCtx

	if stats, ok := s.broadcaster.ConversationStats(conversationID); ok {
		resp.Broadcaster.Subscribers = stats.Subscribers
		resp.Broadcaster.EventsBuffered = stats.EventsBuffered
	}

	if h := s.registry.Get(conversationID); h != nil {
		resp.BackgroundTask.Active = true
		resp.BackgroundTask.ID = h.ID
	}

	writeJSONOK(w, resp)
}

// broadcasterStatsResponse is the shape of GET /debug/broadcaster/stats.
type broadcasterStatsResponse struct {
	TotalConversations int     `json:"totalConversations"`
	TotalSubscribers   int     `json:"totalSubscribers"`
	TotalEvents        int     `json:"totalEvents"`
	MemoryUsageMB      float64 `json:"memoryUsageMB"`
	Health             string  `json:"health"`
}

// handleDebugBroadcasterStats serves GET /debug/broadcaster/stats.
func (s *Server) handleDebugBroadcasterStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	stats := s.broadcaster.Stats()
	writeJSONOK(w, broadcasterStatsResponse{
		TotalConversations: stats.TotalConversations,
		TotalSubscribers:   stats.TotalSubscribers,
		TotalEvents:        stats.TotalEventsBuffered,
		MemoryUsageMB:      float64(stats.EstimatedMemoryBytes) / (1024 * 1024),
		Health:             string(stats.Health),
	})
}
