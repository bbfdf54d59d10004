package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/courier/internal/event"
)

// State is the connection state of a streaming session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateClosed is the clean terminal state: the worker turn completed
	// (or Close was called) and no reconnection will be attempted.
	StateClosed State = "closed"
	// StateFailed is the terminal state after the reconnection budget is
	// exhausted without reaching the server again.
	StateFailed State = "failed"
)

// ErrReconnectExhausted is reported through OnFailed when every
// reconnection attempt has been used up.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// SessionConfig controls the reconnection behavior of a StreamSession.
type SessionConfig struct {
	// BackoffBase is the delay before the first reconnection attempt.
	// It doubles on each subsequent attempt.
	BackoffBase time.Duration
	// BackoffMax caps the per-attempt delay.
	BackoffMax time.Duration
	// MaxAttempts bounds consecutive failed reconnections before the
	// session moves to StateFailed. A successful delivery resets the
	// counter.
	MaxAttempts int
}

// DefaultSessionConfig returns the default reconnection settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
		MaxAttempts: 10,
	}
}

// SessionCallbacks are invoked from the session's goroutine as the
// stream progresses. Any callback may be nil.
type SessionCallbacks struct {
	// OnStateChange fires on every state transition.
	OnStateChange func(from, to State)
	// OnEvent fires for every event received on the stream, including
	// replayed history after a reconnect.
	OnEvent func(ev event.Event)
	// OnHeartbeat fires when a liveness heartbeat arrives.
	OnHeartbeat func()
	// OnCompleted fires once when the worker turn finishes cleanly.
	OnCompleted func(usage event.Usage)
	// OnReconnecting fires before each reconnection attempt.
	OnReconnecting func(attempt int, delay time.Duration)
	// OnFailed fires when the session gives up reconnecting.
	OnFailed func(err error)
}

// StreamSession maintains a WebSocket stream for one conversation,
// reconnecting through transient transport failures until the worker
// turn completes. The stream URL is derived once at creation so later
// client reconfiguration cannot change which conversation the session
// is attached to.
type StreamSession struct {
	wsURL     string
	cfg       SessionConfig
	callbacks SessionCallbacks
	dialer    *websocket.Dialer

	mu          sync.Mutex
	state       State
	pendingBody string
	bodySent    bool
	completed   bool
	attempts    int

	cancel context.CancelFunc
	done   chan struct{}
}

// Stream opens a streaming session for a conversation. requestBody, if
// non-empty, is sent as a prompt once the connection is established; it
// is kept pending across reconnects until a turn completes. The session
// runs until the turn finishes, Close is called, ctx is cancelled, or
// reconnection gives up.
func (c *Client) Stream(ctx context.Context, conversationID, requestBody string, cfg SessionConfig, callbacks SessionCallbacks) (*StreamSession, error) {
	wsURL, err := c.streamURL(conversationID)
	if err != nil {
		return nil, err
	}
	if cfg.BackoffBase <= 0 {
		cfg = DefaultSessionConfig()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &StreamSession{
		wsURL:       wsURL,
		cfg:         cfg,
		callbacks:   callbacks,
		dialer:      websocket.DefaultDialer,
		state:       StateDisconnected,
		pendingBody: requestBody,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// State returns the current session state.
func (s *StreamSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the stream URL the session is bound to.
func (s *StreamSession) URL() string {
	return s.wsURL
}

// UpdateRequestBody replaces the pending prompt body without tearing
// down the session. The new body is sent on the next (re)connection.
func (s *StreamSession) UpdateRequestBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBody = body
	s.bodySent = false
}

// Close stops the session and waits for its goroutine to exit.
func (s *StreamSession) Close() {
	s.cancel()
	<-s.done
}

// Done returns a channel closed when the session reaches a terminal
// state.
func (s *StreamSession) Done() <-chan struct{} {
	return s.done
}

func (s *StreamSession) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from != to && s.callbacks.OnStateChange != nil {
		s.callbacks.OnStateChange(from, to)
	}
}

func (s *StreamSession) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// run drives the connect / read / reconnect loop.
func (s *StreamSession) run(ctx context.Context) {
	defer close(s.done)

	for {
		s.setState(StateConnecting)

		conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
		if err != nil {
			if !s.retryOrStop(ctx, fmt.Errorf("dial: %w", err)) {
				return
			}
			continue
		}

		s.setState(StateConnected)
		s.sendPending(conn)

		// ReadMessage does not observe the context, so cancellation
		// unblocks the read by closing the connection underneath it.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()
		readErr := s.readLoop(conn)
		close(watchDone)
		conn.Close()

		if ctx.Err() != nil || s.isCompleted() {
			s.setState(StateClosed)
			return
		}

		// The turn did not complete, so the prompt goes out again on the
		// next connection. Duplicate fragments are absorbed server-side
		// by the deduplicating sink.
		s.mu.Lock()
		s.bodySent = false
		s.mu.Unlock()

		if !s.retryOrStop(ctx, readErr) {
			return
		}
	}
}

// sendPending writes the pending prompt, if any, exactly once per body.
func (s *StreamSession) sendPending(conn *websocket.Conn) {
	s.mu.Lock()
	body := s.pendingBody
	send := body != "" && !s.bodySent
	if send {
		s.bodySent = true
	}
	s.mu.Unlock()

	if !send {
		return
	}
	data, _ := json.Marshal(map[string]string{"message": body})
	msg, _ := json.Marshal(map[string]json.RawMessage{
		"type": json.RawMessage(`"prompt"`),
		"data": data,
	})
	conn.WriteMessage(websocket.TextMessage, msg)
}

// readLoop consumes envelopes until the connection drops or the turn
// completes. It returns the transport error that ended the loop.
func (s *StreamSession) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch event.Kind(msg.Type) {
		case event.KindConnection:
			// The server acknowledged the subscription; the session
			// is live again, so the reconnection budget resets.
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()

		case event.KindHeartbeat:
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			if s.callbacks.OnHeartbeat != nil {
				s.callbacks.OnHeartbeat()
			}

		case "error":
			// Server-side rejection of a client message; surfaced as
			// an event for the caller to inspect.
			if s.callbacks.OnEvent != nil {
				var ev event.Event
				if json.Unmarshal(msg.Data, &ev) == nil {
					s.callbacks.OnEvent(ev)
				}
			}

		default:
			var ev event.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			if s.callbacks.OnEvent != nil {
				s.callbacks.OnEvent(ev)
			}
			if ev.Kind == event.KindWorkerFinished {
				// Latch completion before the transport closes so the
				// ensuing disconnect is treated as clean.
				s.mu.Lock()
				s.completed = true
				s.mu.Unlock()
				if s.callbacks.OnCompleted != nil {
					var payload struct {
						Usage event.Usage `json:"usage"`
					}
					json.Unmarshal(ev.Payload, &payload)
					s.callbacks.OnCompleted(payload.Usage)
				}
				return nil
			}
		}
	}
}

// retryOrStop applies backoff before the next attempt. It returns false
// when the session must stop, having already set the terminal state.
func (s *StreamSession) retryOrStop(ctx context.Context, cause error) bool {
	if ctx.Err() != nil {
		s.setState(StateClosed)
		return false
	}

	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.cfg.MaxAttempts {
		s.setState(StateFailed)
		if s.callbacks.OnFailed != nil {
			s.callbacks.OnFailed(fmt.Errorf("%w: last error: %v", ErrReconnectExhausted, cause))
		}
		return false
	}

	delay := s.cfg.BackoffBase << (attempt - 1)
	if delay > s.cfg.BackoffMax || delay <= 0 {
		delay = s.cfg.BackoffMax
	}

	s.setState(StateReconnecting)
	if s.callbacks.OnReconnecting != nil {
		s.callbacks.OnReconnecting(attempt, delay)
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		s.setState(StateClosed)
		return false
	}
}
