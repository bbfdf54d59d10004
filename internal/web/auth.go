package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/inercia/courier/internal/logging"
)

// AuthManager enforces bearer-token authentication on API and debug
// endpoints. When no token is configured, only loopback requests are
// accepted - exposing the server beyond localhost requires a token.
type AuthManager struct {
	token string
}

// NewAuthManager creates an auth manager with the given token.
// An empty token means loopback-only access.
func NewAuthManager(token string) *AuthManager {
	return &AuthManager{token: token}
}

// IsEnabled reports whether token authentication is configured.
func (a *AuthManager) IsEnabled() bool {
	return a.token != ""
}

// Authorize checks whether the request may proceed.
func (a *AuthManager) Authorize(r *http.Request) bool {
	if !a.IsEnabled() {
		return isLoopbackRequest(r)
	}

	token := bearerToken(r)
	if token == "" {
		return false
	}
	// Constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) == 1
}

// Middleware returns a middleware that enforces authentication.
func (a *AuthManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			logging.Web().Warn("Unauthorized request",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", getClientIP(r))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header, or from
// the "token" query parameter as a fallback for WebSocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
