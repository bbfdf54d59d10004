package web

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/courier/internal/broadcast"
	"github.com/inercia/courier/internal/execctx"
	"github.com/inercia/courier/internal/task"
)

// ErrTooManyConversations is returned when the conversation limit is reached.
var ErrTooManyConversations = errors.New("too many conversations")

// ErrConversationNotFound is returned for operations on unknown conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation holds the metadata for one live conversation.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager owns the conversation lifecycle. Creating a conversation
// allocates its execution context; deleting one cascades to the task
// registry, the broadcaster, and the execution context store.
//
// Thread-safety: all public methods are safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation

	// maxConversations caps the number of live conversations (0 = unlimited).
	maxConversations int

	broadcaster *broadcast.Broadcaster
	contexts    *execctx.Store
	registry    *task.Registry
	logger      *slog.Logger
}

// NewManager creates a conversation manager.
func NewManager(b *broadcast.Broadcaster, contexts *execctx.Store, registry *task.Registry, maxConversations int, logger *slog.Logger) *Manager {
	return &Manager{
		conversations:    make(map[string]*Conversation),
		maxConversations: maxConversations,
		broadcaster:      b,
		contexts:         contexts,
		registry:         registry,
		logger:           logger,
	}
}

// Create allocates a new conversation and its execution context.
func (m *Manager) Create() (*Conversation, error) {
	m.mu.Lock()
	if m.maxConversations > 0 && len(m.conversations) >= m.maxConversations {
		m.mu.Unlock()
		return nil, ErrTooManyConversations
	}
	conv := &Conversation{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
	m.conversations[conv.ID] = conv
	m.mu.Unlock()

	m.contexts.GetOrCreate(conv.ID)
	// Register with the broadcaster immediately: the reaper only walks
	// broadcaster entries, so a conversation that is never prompted or
	// subscribed must still be visible to it for TTL eviction.
	m.broadcaster.Touch(conv.ID)

	if m.logger != nil {
		m.logger.Info("conversation created", "conversation_id", conv.ID)
	}
	return conv, nil
}

// Get returns the conversation with the given ID, or nil.
func (m *Manager) Get(id string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversations[id]
}

// Exists reports whether a conversation with the given ID is live.
func (m *Manager) Exists(id string) bool {
	return m.Get(id) != nil
}

// List returns all live conversations.
func (m *Manager) List() []*Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		out = append(out, conv)
	}
	return out
}

// Len returns the number of live conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Delete removes a conversation and cascades the teardown: the active
// task is cancelled and awaited, subscribers are closed, the ring buffer
// and dedup state are dropped, and the execution context is evicted.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, exists := m.conversations[id]
	if !exists {
		m.mu.Unlock()
		return ErrConversationNotFound
	}
	delete(m.conversations, id)
	m.mu.Unlock()

	// Cancel outside the manager lock; Cancel waits for the task.
	m.registry.Cancel(id)
	m.broadcaster.Remove(id)
	m.contexts.Delete(id)

	if m.logger != nil {
		m.logger.Info("conversation deleted", "conversation_id", id)
	}
	return nil
}

// Evict is the reaper callback form of Delete: it removes the
// conversation entry without error reporting. The broadcaster has
// already dropped its own state when this is called.
func (m *Manager) Evict(id string) {
	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()

	m.contexts.Delete(id)

	if m.logger != nil {
		m.logger.Debug("conversation evicted", "conversation_id", id)
	}
}

// ShouldKeep reports whether a conversation must survive reaping even
// when idle: a live background task vetoes eviction.
func (m *Manager) ShouldKeep(id string) bool {
	return m.registry.Get(id) != nil
}
