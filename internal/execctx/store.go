// Package execctx tracks per-conversation execution state: the stack of
// active workers, per-worker timing, and the event sequence counter.
//
// Every conversation owns exactly one Context, created lazily on first
// access and evicted together with its conversation. Contexts are looked
// up by conversation ID and are never shared by reference across
// conversations, so two concurrent turns can never corrupt each other's
// worker stacks.
package execctx

import (
	"log/slog"
	"sync"
	"time"
)

// WorkerStats holds timing and counters for one worker within a conversation.
type WorkerStats struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Events     int
}

// Context holds one conversation's in-flight execution bookkeeping.
// It is mutated only by the worker task currently executing that
// conversation's turn.
type Context struct {
	mu         sync.Mutex
	stack      []string
	stats      map[string]*WorkerStats
	seq        int64
	createdAt  time.Time
	lastActive time.Time
}

func newContext() *Context {
	now := time.Now()
	return &Context{
		stats:      make(map[string]*WorkerStats),
		createdAt:  now,
		lastActive: now,
	}
}

// NextSeq returns the next monotonically increasing sequence number for
// this conversation's events.
func (c *Context) NextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.lastActive = time.Now()
	return c.seq
}

// Seq returns the last assigned sequence number.
func (c *Context) Seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Push records workerID as the currently speaking worker.
func (c *Context) Push(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, workerID)
	if c.stats[workerID] == nil {
		c.stats[workerID] = &WorkerStats{}
	}
	c.stats[workerID].StartedAt = time.Now()
	c.lastActive = time.Now()
}

// Pop removes the most recent worker and returns its ID. Popping an empty
// stack is a no-op returning "".
func (c *Context) Pop() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return ""
	}
	workerID := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	c.lastActive = time.Now()
	return workerID
}

// Current returns the worker currently speaking, or "" if none.
func (c *Context) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return ""
	}
	return c.stack[len(c.stack)-1]
}

// Depth returns the number of active workers on the stack.
func (c *Context) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Reset clears the worker stack. Sequence numbers and recorded stats
// survive a reset so event ordering stays monotonic for the conversation.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = c.stack[:0]
	c.lastActive = time.Now()
}

// RecordEvent increments the event counter for a worker.
func (c *Context) RecordEvent(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats[workerID] == nil {
		c.stats[workerID] = &WorkerStats{}
	}
	c.stats[workerID].Events++
	c.lastActive = time.Now()
}

// FinishWorker marks a worker's turn as finished.
func (c *Context) FinishWorker(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stats[workerID] == nil {
		c.stats[workerID] = &WorkerStats{}
	}
	c.stats[workerID].FinishedAt = time.Now()
	c.lastActive = time.Now()
}

// Stats returns a copy of the recorded stats for a worker.
func (c *Context) Stats(workerID string) (WorkerStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[workerID]
	if !ok {
		return WorkerStats{}, false
	}
	return *st, true
}

// LastActive returns the time of the last mutation.
func (c *Context) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// CreatedAt returns when the context was created.
func (c *Context) CreatedAt() time.Time {
	return c.createdAt
}

// Store is a thread-safe container of per-conversation execution contexts.
type Store struct {
	mu     sync.RWMutex
	byConv map[string]*Context

	// fallback is the shared default context used only when a caller has
	// no conversation handle. This compat path must never be the default;
	// using it is logged as a warning.
	fallbackOnce sync.Once
	fallback     *Context

	logger *slog.Logger
}

// NewStore creates an empty execution context store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		byConv: make(map[string]*Context),
		logger: logger,
	}
}

// GetOrCreate returns the conversation's execution context, creating it
// lazily on first access. The call is idempotent: concurrent callers for
// the same conversation always observe the same context.
//
// An empty conversation ID falls back to a shared default context so
// un-migrated callers keep working, but this is never the intended path.
func (s *Store) GetOrCreate(conversationID string) *Context {
	if conversationID == "" {
		s.fallbackOnce.Do(func() {
			s.fallback = newContext()
		})
		if s.logger != nil {
			s.logger.Warn("execution context requested without a conversation ID, using shared fallback")
		}
		return s.fallback
	}

	s.mu.RLock()
	c, ok := s.byConv[conversationID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byConv[conversationID]; ok {
		return c
	}
	c = newContext()
	s.byConv[conversationID] = c
	return c
}

// Get returns the conversation's context without creating one.
func (s *Store) Get(conversationID string) (*Context, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byConv[conversationID]
	return c, ok
}

// Push records workerID as the currently speaking worker for a conversation.
func (s *Store) Push(conversationID, workerID string) {
	s.GetOrCreate(conversationID).Push(workerID)
}

// Pop removes the most recent worker for a conversation and returns its ID.
func (s *Store) Pop(conversationID string) string {
	return s.GetOrCreate(conversationID).Pop()
}

// Reset clears the worker stack for a conversation.
func (s *Store) Reset(conversationID string) {
	s.GetOrCreate(conversationID).Reset()
}

// Delete evicts a conversation's context. Called when the owning
// conversation is destroyed.
func (s *Store) Delete(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conversationID)
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byConv)
}
