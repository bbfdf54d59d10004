package web

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSecurityConfig bounds what a single streaming client can do:
// frame size, concurrent connections per IP, and the keepalive timing
// that detects dead peers.
type WebSocketSecurityConfig struct {
	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64
	// MaxConnectionsPerIP caps concurrent streams from one address.
	MaxConnectionsPerIP int
	// PongWait is how long a peer may go silent before the read fails.
	PongWait time.Duration
	// PingPeriod is the keepalive interval; must stay under PongWait.
	PingPeriod time.Duration
	// WriteWait bounds each frame write.
	WriteWait time.Duration
}

// DefaultWebSocketSecurityConfig returns the built-in limits.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		MaxMessageSize:      64 * 1024,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// ConnectionTracker counts live streaming connections per client IP so
// one address cannot hold every subscriber slot.
type ConnectionTracker struct {
	mu       sync.Mutex
	perIP    map[string]int
	maxPerIP int
}

// NewConnectionTracker creates a tracker with the given per-IP ceiling.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
	}
}

// TryAdd claims a slot for ip, reporting false when the ceiling is hit.
func (t *ConnectionTracker) TryAdd(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.perIP[ip] >= t.maxPerIP {
		return false
	}
	t.perIP[ip]++
	return true
}

// Remove gives a slot back for ip.
func (t *ConnectionTracker) Remove(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.perIP[ip]; n <= 1 {
		delete(t.perIP, ip)
	} else {
		t.perIP[ip] = n - 1
	}
}

// Count returns the live connection count for ip.
func (t *ConnectionTracker) Count(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perIP[ip]
}

// configureWebSocketConn applies the read limits and the pong handler
// that extends the read deadline while the peer stays responsive.
func configureWebSocketConn(conn *websocket.Conn, cfg WebSocketSecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
}

// newUpgrader creates a WebSocket upgrader. Requests without an Origin
// header (non-browser clients such as the Go streaming session) are
// allowed; browser requests must be same-host.
func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return u.Host == r.Host
		},
	}
}
