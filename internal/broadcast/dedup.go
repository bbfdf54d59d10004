package broadcast

import (
	"sync"

	"github.com/inercia/courier/internal/event"
)

// defaultMaxSeen bounds the dedup memory per conversation. When the cap
// is reached the seen set rotates generations: lookups consult the
// current and previous generation, so recent fragments stay deduplicated
// while old fingerprints are eventually forgotten.
const defaultMaxSeen = 4096

// Sink suppresses repeated content fragments within a conversation.
//
// Upstream workers frequently surface the same text twice - once as
// streamed tokens and once as a structured tool-result echo. Fragments
// are fingerprinted with a truncated SHA-256 digest so the decision is
// deterministic across process restarts and collision-resistant, unlike
// general-purpose hashing.
type Sink struct {
	mu      sync.Mutex
	maxSeen int
	byConv  map[string]*seenSet
}

type seenSet struct {
	cur  map[string]struct{}
	prev map[string]struct{}
}

func (s *seenSet) contains(fp string) bool {
	if _, ok := s.cur[fp]; ok {
		return true
	}
	if s.prev != nil {
		if _, ok := s.prev[fp]; ok {
			return true
		}
	}
	return false
}

// NewSink creates a dedup sink with the default per-conversation cap.
func NewSink() *Sink {
	return NewSinkWithCap(defaultMaxSeen)
}

// NewSinkWithCap creates a dedup sink bounding each conversation's seen
// set to maxSeen fingerprints per generation.
func NewSinkWithCap(maxSeen int) *Sink {
	if maxSeen <= 0 {
		maxSeen = defaultMaxSeen
	}
	return &Sink{
		maxSeen: maxSeen,
		byConv:  make(map[string]*seenSet),
	}
}

// ShouldEmit reports whether payload has not been emitted before for this
// conversation, recording it as seen when new. For a given (conversation,
// payload) pair it returns true exactly once; a payload differing by even
// one byte is treated as new.
func (s *Sink) ShouldEmit(conversationID string, payload []byte) bool {
	fp := event.Fingerprint(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.byConv[conversationID]
	if set == nil {
		set = &seenSet{cur: make(map[string]struct{})}
		s.byConv[conversationID] = set
	}

	if set.contains(fp) {
		return false
	}

	if len(set.cur) >= s.maxSeen {
		set.prev = set.cur
		set.cur = make(map[string]struct{})
	}
	set.cur[fp] = struct{}{}
	return true
}

// Forget drops the seen set for a conversation. Called when the owning
// conversation is destroyed.
func (s *Sink) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConv, conversationID)
}

// Len returns the number of conversations with tracked fingerprints.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byConv)
}
