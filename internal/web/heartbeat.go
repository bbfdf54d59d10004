package web

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/courier/internal/broadcast"
	"github.com/inercia/courier/internal/event"
)

// HeartbeatRunner periodically fans a heartbeat event out to every
// conversation that has live subscribers. Heartbeats are transient: they
// reset client-side liveness timers but are never recorded in the
// conversation's replay buffer.
type HeartbeatRunner struct {
	broadcaster   *broadcast.Broadcaster
	conversations *Manager
	logger        *slog.Logger

	mu       sync.Mutex
	interval time.Duration
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	// reset wakes the loop when the interval changes.
	reset chan time.Duration
}

// defaultHeartbeatInterval is used when no positive interval is
// configured. time.NewTicker panics on non-positive intervals, so the
// runner clamps rather than trusting its caller.
const defaultHeartbeatInterval = 30 * time.Second

// NewHeartbeatRunner creates a heartbeat runner with the given interval.
// Non-positive intervals fall back to the default.
func NewHeartbeatRunner(b *broadcast.Broadcaster, m *Manager, interval time.Duration, logger *slog.Logger) *HeartbeatRunner {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &HeartbeatRunner{
		broadcaster:   b,
		conversations: m,
		interval:      interval,
		logger:        logger,
		reset:         make(chan time.Duration, 1),
	}
}

// Start begins the heartbeat loop.
func (h *HeartbeatRunner) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})

	go h.loop(h.interval)
}

// Stop stops the heartbeat loop and waits for it to finish.
func (h *HeartbeatRunner) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	doneCh := h.doneCh
	h.mu.Unlock()

	<-doneCh
}

// SetInterval retunes the heartbeat period at runtime.
func (h *HeartbeatRunner) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	h.interval = d
	running := h.running
	h.mu.Unlock()

	if running {
		select {
		case h.reset <- d:
		default:
		}
	}
}

// Interval returns the current heartbeat period.
func (h *HeartbeatRunner) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

func (h *HeartbeatRunner) loop(interval time.Duration) {
	defer close(h.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case d := <-h.reset:
			ticker.Reset(d)
		case <-ticker.C:
			h.Beat()
		}
	}
}

// Beat publishes one heartbeat to every conversation with subscribers.
// Exported for testing.
func (h *HeartbeatRunner) Beat() {
	sent := 0
	for _, conv := range h.conversations.List() {
		if h.broadcaster.SubscriberCount(conv.ID) == 0 {
			continue
		}
		h.broadcaster.PublishTransient(conv.ID,
			event.New(conv.ID, 0, event.KindHeartbeat, nil))
		sent++
	}

	if sent > 0 && h.logger != nil {
		h.logger.Debug("heartbeats sent", "conversations", sent)
	}
}
