package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSMessage is the envelope for all WebSocket traffic, both directions.
// Type carries the event kind for server pushes, or the command name for
// client messages ("prompt").
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StreamConn wraps one subscriber's WebSocket connection with a buffered
// outbound queue, so broadcaster fan-out never blocks on a slow reader.
// Envelopes that do not fit the queue are dropped and counted; the drop
// total is logged when the connection ends.
type StreamConn struct {
	conn           *websocket.Conn
	conversationID string
	clientIP       string
	security       WebSocketSecurityConfig
	tracker        *ConnectionTracker
	logger         *slog.Logger

	outbound chan []byte

	mu       sync.Mutex
	dropped  int64
	released bool
}

// newStreamConn wraps an upgraded connection for a conversation stream.
// queueSize bounds the outbound envelope queue.
func newStreamConn(conn *websocket.Conn, conversationID, clientIP string,
	security WebSocketSecurityConfig, tracker *ConnectionTracker,
	logger *slog.Logger, queueSize int) *StreamConn {

	if queueSize <= 0 {
		queueSize = 256
	}
	configureWebSocketConn(conn, security)

	return &StreamConn{
		conn:           conn,
		conversationID: conversationID,
		clientIP:       clientIP,
		security:       security,
		tracker:        tracker,
		logger:         logger,
		outbound:       make(chan []byte, queueSize),
	}
}

// Send queues a typed envelope for delivery. It never blocks: when the
// queue is full the envelope is dropped, matching the broadcaster's
// slow-subscriber policy.
func (c *StreamConn) Send(kind string, data interface{}) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	envelope, _ := json.Marshal(WSMessage{Type: kind, Data: raw})

	select {
	case c.outbound <- envelope:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// SendError reports a client-message problem back over the stream.
func (c *StreamConn) SendError(message string) {
	c.Send("error", map[string]string{"message": message})
}

// ReadMessage reads one inbound frame.
func (c *StreamConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close tears the connection down and gives its per-IP slot back to the
// tracker. Safe to call more than once.
func (c *StreamConn) Close() error {
	c.mu.Lock()
	release := !c.released
	c.released = true
	dropped := c.dropped
	c.mu.Unlock()

	if release {
		if c.tracker != nil && c.clientIP != "" {
			c.tracker.Remove(c.clientIP)
		}
		if dropped > 0 && c.logger != nil {
			c.logger.Warn("stream dropped envelopes for slow subscriber",
				"conversation_id", c.conversationID,
				"client_ip", c.clientIP,
				"dropped", dropped)
		}
	}
	return c.conn.Close()
}

// writePump drains the outbound queue onto the wire and keeps the
// connection alive with periodic pings. Run it in a goroutine; done is
// closed when the pump exits.
func (c *StreamConn) writePump(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.security.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		if done != nil {
			close(done)
		}
	}()

	for {
		select {
		case envelope, ok := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, envelope); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.security.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
