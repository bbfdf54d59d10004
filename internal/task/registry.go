// Package task owns the single active background worker task per
// conversation. Registering a new task for a conversation supersedes the
// previous one: the old task is cancelled cooperatively and awaited to
// completion before the new one starts.
//
// The registry never waits on a task while holding its own lock. The
// table mutation (install new handle, capture the old one) happens under
// the mutex; the wait for the old task happens strictly after the mutex
// is released. A task's own cleanup path takes the same mutex, so
// awaiting inside the lock would deadlock the registration call forever.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle wraps exactly one in-flight worker execution. At most one
// non-cancelled handle exists per conversation at any instant.
type Handle struct {
	ID             string
	ConversationID string

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the task has finished (success, cancellation, or
// error).
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's terminal error. It is only meaningful after
// Done is closed. A superseded task reports context.Canceled, which the
// registry treats as the expected outcome of replacement, not a failure.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel requests cooperative cancellation. The task must check its
// context; cancellation is a request, not an interrupt.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Registry tracks the active task per conversation.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Handle

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRegistry creates an empty task registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		active: make(map[string]*Handle),
		logger: logger,
	}
}

// Register atomically installs run as the conversation's active task. If
// a previous task existed it is cancelled and awaited to termination -
// outside the registry lock - before the new task starts, so the last
// registered task always gets to run.
//
// Errors from the superseded task are swallowed (logged at debug);
// errors from the new task are observable through the returned handle.
func (r *Registry) Register(conversationID string, run func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	// Table swap under the lock: install the new handle, capture the old.
	r.mu.Lock()
	old := r.active[conversationID]
	r.active[conversationID] = h
	r.mu.Unlock()

	// Wait for the superseded task strictly after releasing the mutex.
	if old != nil {
		old.Cancel()
		<-old.Done()
		if err := old.Err(); err != nil && !errors.Is(err, context.Canceled) {
			if r.logger != nil {
				r.logger.Debug("superseded task ended with error",
					"conversation_id", conversationID,
					"task_id", old.ID,
					"error", err)
			}
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := run(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		h.finish(err)
		cancel()

		// Drop our entry unless a newer registration already replaced it.
		r.mu.Lock()
		if r.active[conversationID] == h {
			delete(r.active, conversationID)
		}
		r.mu.Unlock()
	}()

	if r.logger != nil {
		r.logger.Debug("task registered",
			"conversation_id", conversationID,
			"task_id", h.ID,
			"superseded", old != nil)
	}
	return h
}

// Cancel cancels the conversation's active task, if any, and waits for it
// to finish. It reports whether a task was cancelled. The wait happens
// outside the registry lock.
func (r *Registry) Cancel(conversationID string) bool {
	r.mu.Lock()
	h := r.active[conversationID]
	r.mu.Unlock()

	if h == nil {
		return false
	}
	h.Cancel()
	<-h.Done()
	return true
}

// Get returns the conversation's active task handle, or nil.
func (r *Registry) Get(conversationID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[conversationID]
}

// Len returns the number of conversations with an active task.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CloseAll cancels every active task and waits for all task goroutines
// to finish. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	r.wg.Wait()
}
