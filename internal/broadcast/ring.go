package broadcast

import "github.com/inercia/courier/internal/event"

// ring is a bounded append-only buffer of recent events. When full, the
// oldest event is evicted first. It is not safe for concurrent use; the
// owning conversation's lock guards it.
type ring struct {
	buf   []event.Event
	head  int // index of the oldest event
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]event.Event, capacity)}
}

func (r *ring) append(ev event.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// snapshot returns the buffered events oldest-first.
func (r *ring) snapshot() []event.Event {
	out := make([]event.Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	return r.count
}
