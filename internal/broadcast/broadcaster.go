// Package broadcast implements the fan-out hub that distributes events
// from worker tasks to every live subscriber of a conversation, keeping a
// bounded ring of recent events for replay to late joiners.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/courier/internal/event"
)

// Health classifies broadcaster load. It is a monitoring signal only;
// nothing is throttled or rejected based on it.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// perEventOverhead approximates the fixed per-event memory cost beyond
// the payload bytes, used for the stats estimate.
const perEventOverhead = 160

// Config holds the broadcaster tunables.
type Config struct {
	// RingCapacity is the number of recent events kept per conversation
	// for replay to late-joining subscribers.
	RingCapacity int

	// SubscriberBuffer is the delivery channel capacity per subscriber.
	SubscriberBuffer int

	// MaxSeenPerConversation bounds the dedup seen set per conversation.
	MaxSeenPerConversation int

	// ConversationTTL is how long an idle conversation with no
	// subscribers survives before the reaper evicts it.
	ConversationTTL time.Duration

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration

	// DegradedThreshold and CriticalThreshold are conversation counts at
	// which Health degrades.
	DegradedThreshold int
	CriticalThreshold int
}

// DefaultConfig returns the default broadcaster configuration.
func DefaultConfig() Config {
	return Config{
		RingCapacity:           512,
		SubscriberBuffer:       256,
		MaxSeenPerConversation: defaultMaxSeen,
		ConversationTTL:        30 * time.Minute,
		ReapInterval:           1 * time.Minute,
		DegradedThreshold:      500,
		CriticalThreshold:      2000,
	}
}

// Subscription is one live consumer attached to a conversation's stream.
type Subscription struct {
	ID             string
	ConversationID string

	ch        chan event.Event
	closeOnce sync.Once
}

// Events returns the subscription's delivery channel. It is closed when
// the subscription is removed or its conversation is destroyed.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.ch)
	})
}

// conversation is the per-conversation fan-out state. Its mutex guards
// the ring and subscriber set; publishes and subscriber changes for one
// conversation serialize on it, which is what guarantees per-conversation
// delivery order.
type conversation struct {
	mu          sync.Mutex
	ring        *ring
	subscribers map[string]*Subscription
	lastActive  time.Time
}

// Stats is an aggregate snapshot of the broadcaster.
type Stats struct {
	TotalConversations   int    `json:"total_conversations"`
	TotalSubscribers     int    `json:"total_subscribers"`
	TotalEventsBuffered  int    `json:"total_events_buffered"`
	EstimatedMemoryBytes int64  `json:"estimated_memory_bytes"`
	Health               Health `json:"health"`
}

// ConversationStats is a per-conversation snapshot for the debug API.
type ConversationStats struct {
	Subscribers    int `json:"subscribers"`
	EventsBuffered int `json:"events_buffered"`
}

// Broadcaster is the central hub. Publish never blocks on a slow
// subscriber and never suspends; subscribe/unsubscribe only briefly take
// the conversation lock.
type Broadcaster struct {
	mu    sync.RWMutex
	convs map[string]*conversation

	sink   *Sink
	cfg    Config
	logger *slog.Logger

	// thresholds may be retuned at runtime via SetThresholds.
	thresholdMu sync.RWMutex
	degraded    int
	critical    int

	// Reaper control.
	reapMu   sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a broadcaster with the given configuration.
func New(cfg Config, logger *slog.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = def.RingCapacity
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = def.ConversationTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}

	return &Broadcaster{
		convs:    make(map[string]*conversation),
		sink:     NewSinkWithCap(cfg.MaxSeenPerConversation),
		cfg:      cfg,
		logger:   logger,
		degraded: cfg.DegradedThreshold,
		critical: cfg.CriticalThreshold,
	}
}

func (b *Broadcaster) getOrCreate(conversationID string) *conversation {
	b.mu.RLock()
	c, ok := b.convs[conversationID]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.convs[conversationID]; ok {
		return c
	}
	c = &conversation{
		ring:        newRing(b.cfg.RingCapacity),
		subscribers: make(map[string]*Subscription),
		lastActive:  time.Now(),
	}
	b.convs[conversationID] = c
	return c
}

// Touch registers a conversation with the broadcaster and marks it
// active. Conversation creation calls this so that a conversation that
// is never published to or subscribed still ages out through the
// reaper instead of living forever.
func (b *Broadcaster) Touch(conversationID string) {
	c := b.getOrCreate(conversationID)
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Publish appends ev to the conversation's ring buffer and fans it out to
// every live subscriber. Content events pass the dedup sink first; a
// suppressed duplicate is not delivered and Publish returns false.
//
// Publish is non-blocking with respect to slow subscribers: a full
// delivery channel drops that subscriber's oldest buffered event rather
// than backpressuring the publisher.
func (b *Broadcaster) Publish(conversationID string, ev event.Event) bool {
	if ev.Kind == event.KindContent && len(ev.Payload) > 0 {
		if !b.sink.ShouldEmit(conversationID, ev.Payload) {
			if b.logger != nil {
				b.logger.Debug("duplicate content suppressed",
					"conversation_id", conversationID,
					"fingerprint", ev.Fingerprint)
			}
			return false
		}
	}

	c := b.getOrCreate(conversationID)
	c.mu.Lock()
	c.ring.append(ev)
	c.lastActive = time.Now()
	for _, sub := range c.subscribers {
		deliver(sub, ev)
	}
	c.mu.Unlock()
	return true
}

// PublishTransient fans ev out to live subscribers without recording it
// in the ring buffer. Used for heartbeats, which are liveness signals
// rather than conversation history and must not pollute replay.
func (b *Broadcaster) PublishTransient(conversationID string, ev event.Event) {
	b.mu.RLock()
	c, ok := b.convs[conversationID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	for _, sub := range c.subscribers {
		deliver(sub, ev)
	}
	c.mu.Unlock()
}

// deliver pushes ev onto a subscriber channel without ever blocking.
// Must be called with the conversation lock held.
func deliver(sub *Subscription, ev event.Event) {
	select {
	case sub.ch <- ev:
	default:
		// Slow subscriber: make room by dropping its oldest buffered
		// event, then retry once. The publisher is never backpressured.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe attaches a new consumer to a conversation. It returns the
// subscription and a replay of the ring buffer contents; consume the
// replay before reading Events() and the combined sequence preserves
// publish order - the snapshot and the attach happen under the same lock,
// so no event can fall between them.
func (b *Broadcaster) Subscribe(conversationID string) (*Subscription, []event.Event) {
	c := b.getOrCreate(conversationID)
	sub := &Subscription{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		ch:             make(chan event.Event, b.cfg.SubscriberBuffer),
	}

	c.mu.Lock()
	replay := c.ring.snapshot()
	c.subscribers[sub.ID] = sub
	c.lastActive = time.Now()
	c.mu.Unlock()

	if b.logger != nil {
		b.logger.Debug("subscriber attached",
			"conversation_id", conversationID,
			"subscriber_id", sub.ID,
			"replayed", len(replay))
	}
	return sub, replay
}

// Unsubscribe detaches a subscriber and closes its delivery channel.
// It is idempotent; unsubscribing an already-removed subscription is a
// no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.RLock()
	c, ok := b.convs[sub.ConversationID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if _, ok := c.subscribers[sub.ID]; ok {
		delete(c.subscribers, sub.ID)
		sub.close()
	}
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Remove evicts a conversation entirely: its ring buffer, its dedup seen
// set, and every live subscription (whose channels are closed).
func (b *Broadcaster) Remove(conversationID string) {
	b.mu.Lock()
	c, ok := b.convs[conversationID]
	delete(b.convs, conversationID)
	b.mu.Unlock()

	b.sink.Forget(conversationID)
	if !ok {
		return
	}

	c.mu.Lock()
	for id, sub := range c.subscribers {
		delete(c.subscribers, id)
		sub.close()
	}
	c.mu.Unlock()

	if b.logger != nil {
		b.logger.Debug("conversation evicted from broadcaster", "conversation_id", conversationID)
	}
}

// SubscriberCount returns the number of live subscribers for a conversation.
func (b *Broadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	c, ok := b.convs[conversationID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// ConversationStats returns a per-conversation snapshot, and whether the
// conversation is known to the broadcaster.
func (b *Broadcaster) ConversationStats(conversationID string) (ConversationStats, bool) {
	b.mu.RLock()
	c, ok := b.convs[conversationID]
	b.mu.RUnlock()
	if !ok {
		return ConversationStats{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConversationStats{
		Subscribers:    len(c.subscribers),
		EventsBuffered: c.ring.len(),
	}, true
}

// SetThresholds retunes the health thresholds at runtime (config reload).
func (b *Broadcaster) SetThresholds(degraded, critical int) {
	b.thresholdMu.Lock()
	defer b.thresholdMu.Unlock()
	if degraded > 0 {
		b.degraded = degraded
	}
	if critical > 0 {
		b.critical = critical
	}
}

// Stats returns an aggregate snapshot across all conversations.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	convs := make([]*conversation, 0, len(b.convs))
	for _, c := range b.convs {
		convs = append(convs, c)
	}
	total := len(b.convs)
	b.mu.RUnlock()

	st := Stats{TotalConversations: total}
	for _, c := range convs {
		c.mu.Lock()
		st.TotalSubscribers += len(c.subscribers)
		st.TotalEventsBuffered += c.ring.len()
		for _, ev := range c.ring.snapshot() {
			st.EstimatedMemoryBytes += int64(len(ev.Payload)) + perEventOverhead
		}
		c.mu.Unlock()
	}
	st.Health = b.healthFor(total)
	return st
}

func (b *Broadcaster) healthFor(conversations int) Health {
	b.thresholdMu.RLock()
	defer b.thresholdMu.RUnlock()
	switch {
	case conversations >= b.critical:
		return HealthCritical
	case conversations >= b.degraded:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// Health returns the current health classification.
func (b *Broadcaster) Health() Health {
	b.mu.RLock()
	total := len(b.convs)
	b.mu.RUnlock()
	return b.healthFor(total)
}

// StartReaper begins periodic eviction of idle conversations. A
// conversation is evicted when it has no subscribers, shouldEvict reports
// true for it (the caller supplies "no active task"), and it has been
// inactive past the TTL. onEvict runs after eviction so the caller can
// cascade cleanup of its own per-conversation state.
func (b *Broadcaster) StartReaper(shouldEvict func(conversationID string) bool, onEvict func(conversationID string)) {
	b.reapMu.Lock()
	defer b.reapMu.Unlock()

	if b.running {
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go b.reapLoop(shouldEvict, onEvict)

	if b.logger != nil {
		b.logger.Debug("broadcaster reaper started",
			"interval", b.cfg.ReapInterval,
			"ttl", b.cfg.ConversationTTL)
	}
}

// StopReaper stops the reaper and waits for it to finish.
func (b *Broadcaster) StopReaper() {
	b.reapMu.Lock()
	if !b.running {
		b.reapMu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	doneCh := b.doneCh
	b.reapMu.Unlock()

	<-doneCh
}

func (b *Broadcaster) reapLoop(shouldEvict func(string) bool, onEvict func(string)) {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.ReapOnce(shouldEvict, onEvict)
		}
	}
}

// ReapOnce performs a single reap pass and returns the number of evicted
// conversations. Exported for testing.
func (b *Broadcaster) ReapOnce(shouldEvict func(string) bool, onEvict func(string)) int {
	cutoff := time.Now().Add(-b.cfg.ConversationTTL)

	b.mu.RLock()
	var expired []string
	for id, c := range b.convs {
		c.mu.Lock()
		idle := len(c.subscribers) == 0 && c.lastActive.Before(cutoff)
		c.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	b.mu.RUnlock()

	evicted := 0
	for _, id := range expired {
		if shouldEvict != nil && !shouldEvict(id) {
			continue
		}
		b.Remove(id)
		evicted++
		if onEvict != nil {
			onEvict(id)
		}
	}

	if evicted > 0 && b.logger != nil {
		b.logger.Info("reaped idle conversations", "count", evicted)
	}
	return evicted
}
