// Package event defines the immutable event records that Courier fans out
// from worker tasks to conversation subscribers.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	// KindConnection is sent once when a subscriber attaches to a stream.
	KindConnection Kind = "connection"

	// KindHeartbeat is a periodic liveness signal. Heartbeats are not part
	// of the conversation history; they only reset client-side timers.
	KindHeartbeat Kind = "heartbeat"

	// KindWorkerStarted marks the beginning of a worker turn.
	KindWorkerStarted Kind = "worker-started"

	// KindWorkerFinished marks authoritative completion of a worker turn.
	// Its payload carries the usage summary that clients must treat as the
	// terminal marker, independent of the transport closing.
	KindWorkerFinished Kind = "worker-finished"

	// KindContent is a streamed content fragment produced by a worker.
	KindContent Kind = "content"

	// KindError reports a worker failure to subscribers.
	KindError Kind = "error"
)

// fingerprintBytes is the number of digest bytes kept in a content
// fingerprint. 64 bits keeps the false-collision probability negligible
// for per-conversation dedup while bounding the seen-set memory.
const fingerprintBytes = 8

// Event is an immutable record delivered to subscribers. Events are
// append-only and never mutated after publish.
type Event struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	Kind           Kind            `json:"kind"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Usage summarizes a finished worker turn. Its presence on a
// worker-finished payload is what clients key completion detection on.
type Usage struct {
	Events     int   `json:"events"`
	DurationMS int64 `json:"duration_ms"`
}

// Fingerprint returns a deterministic content digest of payload, hex
// encoded. SHA-256 is used rather than a general-purpose hash so the value
// is collision-resistant and stable across process restarts.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// New builds an event for a conversation. Content events carry a payload
// fingerprint; other kinds do not need one.
func New(conversationID string, seq int64, kind Kind, payload []byte) Event {
	ev := Event{
		ConversationID: conversationID,
		Seq:            seq,
		Kind:           kind,
		Timestamp:      time.Now().UTC(),
	}
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	if kind == KindContent {
		ev.Fingerprint = Fingerprint(payload)
	}
	return ev
}

// IsTerminal reports whether ev marks authoritative stream completion.
// Completion is signaled in-band by a worker-finished event, never by the
// transport closing.
func IsTerminal(ev Event) bool {
	return ev.Kind == KindWorkerFinished
}

// ContentPayload encodes a raw text fragment as a content event payload.
func ContentPayload(text string) []byte {
	b, _ := json.Marshal(map[string]string{"text": text})
	return b
}

// StartedPayload encodes a worker-started payload.
func StartedPayload(workerID string) []byte {
	b, _ := json.Marshal(map[string]string{"worker_id": workerID})
	return b
}

// FinishedPayload encodes a worker-finished payload with its usage
// summary, the stream's terminal marker.
func FinishedPayload(workerID string, usage Usage) []byte {
	b, _ := json.Marshal(map[string]any{
		"worker_id": workerID,
		"usage":     usage,
	})
	return b
}

// ErrorPayload encodes an error event payload.
func ErrorPayload(message string) []byte {
	b, _ := json.Marshal(map[string]string{"message": message})
	return b
}
