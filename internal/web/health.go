package web

import (
	"net/http"
)

// handleHealth serves the public, unauthenticated GET /health endpoint.
// It reports aggregate counts and the health classification only - no
// per-conversation identifiers leak through this surface. The endpoint
// always answers 200: health is a monitoring signal, not a throttle, so
// even a critical broadcaster keeps reporting rather than refusing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"activeSessions": s.conversations.Len(),
		"health":         string(s.broadcaster.Health()),
	})
}
