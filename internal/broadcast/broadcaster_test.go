package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/inercia/courier/internal/event"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RingCapacity = 16
	cfg.SubscriberBuffer = 32
	return cfg
}

// drain collects up to n events from a subscription, failing the test if
// they do not arrive within the deadline.
func drain(t *testing.T, sub *Subscription, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBroadcaster_OrderingPerConversation(t *testing.T) {
	b := New(testConfig(), nil)
	sub, replay := b.Subscribe("c1")
	if len(replay) != 0 {
		t.Fatalf("fresh conversation should have empty replay, got %d", len(replay))
	}

	const n = 10
	for seq := int64(1); seq <= n; seq++ {
		b.Publish("c1", contentEvent("c1", seq))
	}

	events := drain(t, sub, n)
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has Seq %d, want %d: delivery must preserve publish order", i, ev.Seq, i+1)
		}
	}
}

func TestBroadcaster_ReplayThenLive(t *testing.T) {
	b := New(testConfig(), nil)

	// Publish history before anyone subscribes.
	for seq := int64(1); seq <= 3; seq++ {
		b.Publish("c1", contentEvent("c1", seq))
	}

	sub, replay := b.Subscribe("c1")
	if len(replay) != 3 {
		t.Fatalf("replay len = %d, want 3", len(replay))
	}
	for i, ev := range replay {
		if ev.Seq != int64(i+1) {
			t.Errorf("replay[%d].Seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	b.Publish("c1", contentEvent("c1", 4))
	live := drain(t, sub, 1)
	if live[0].Seq != 4 {
		t.Errorf("live event Seq = %d, want 4", live[0].Seq)
	}
}

func TestBroadcaster_DuplicateContentSuppressed(t *testing.T) {
	b := New(testConfig(), nil)
	sub, _ := b.Subscribe("c1")

	payload := event.ContentPayload("hello")
	if !b.Publish("c1", event.New("c1", 1, event.KindContent, payload)) {
		t.Fatal("first publish should be delivered")
	}
	if b.Publish("c1", event.New("c1", 2, event.KindContent, payload)) {
		t.Fatal("duplicate content should be suppressed")
	}

	events := drain(t, sub, 1)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event delivered: seq %d", ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	if events[0].Seq != 1 {
		t.Errorf("delivered Seq = %d, want 1", events[0].Seq)
	}
}

func TestBroadcaster_PublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 4
	b := New(cfg, nil)

	// Non-draining subscriber.
	sub, _ := b.Subscribe("c1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for seq := int64(1); seq <= 100; seq++ {
			b.Publish("c1", contentEvent("c1", seq))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}

	// The slow subscriber's buffer holds the newest events; its oldest
	// buffered items were dropped, not the publisher's time.
	events := drain(t, sub, 4)
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("events out of order after drops: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
	if events[len(events)-1].Seq != 100 {
		t.Errorf("newest buffered Seq = %d, want 100 (drop-oldest policy)", events[len(events)-1].Seq)
	}
}

func TestBroadcaster_MultipleSubscribersReceiveAll(t *testing.T) {
	b := New(testConfig(), nil)
	sub1, _ := b.Subscribe("c1")
	sub2, _ := b.Subscribe("c1")

	for seq := int64(1); seq <= 5; seq++ {
		b.Publish("c1", contentEvent("c1", seq))
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		events := drain(t, sub, 5)
		for i, ev := range events {
			if ev.Seq != int64(i+1) {
				t.Errorf("subscriber %s event %d Seq = %d, want %d", sub.ID, i, ev.Seq, i+1)
			}
		}
	}
}

func TestBroadcaster_UnsubscribeIdempotent(t *testing.T) {
	b := New(testConfig(), nil)
	sub, _ := b.Subscribe("c1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic
	b.Unsubscribe(nil) // must not panic

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	if n := b.SubscriberCount("c1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestBroadcaster_RemoveClosesSubscribers(t *testing.T) {
	b := New(testConfig(), nil)
	sub, _ := b.Subscribe("c1")
	b.Publish("c1", contentEvent("c1", 1))

	b.Remove("c1")

	// Drain the delivered event, then observe closure.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if _, tracked := b.ConversationStats("c1"); tracked {
					t.Error("conversation should be gone after Remove")
				}
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed by Remove")
		}
	}
}

func TestBroadcaster_PublishTransientSkipsRing(t *testing.T) {
	b := New(testConfig(), nil)
	sub, _ := b.Subscribe("c1")

	b.Publish("c1", contentEvent("c1", 1))
	b.PublishTransient("c1", event.New("c1", 2, event.KindHeartbeat, nil))

	events := drain(t, sub, 2)
	if events[1].Kind != event.KindHeartbeat {
		t.Fatalf("second event kind = %s, want heartbeat", events[1].Kind)
	}

	// A late joiner replays history without the heartbeat.
	_, replay := b.Subscribe("c1")
	if len(replay) != 1 {
		t.Fatalf("replay len = %d, want 1 (heartbeats are not history)", len(replay))
	}
	if replay[0].Kind != event.KindContent {
		t.Errorf("replayed kind = %s, want content", replay[0].Kind)
	}
}

func TestBroadcaster_StatsAndHealth(t *testing.T) {
	cfg := testConfig()
	cfg.DegradedThreshold = 2
	cfg.CriticalThreshold = 4
	b := New(cfg, nil)

	st := b.Stats()
	if st.Health != HealthHealthy {
		t.Errorf("empty broadcaster health = %s, want healthy", st.Health)
	}

	for i := 0; i < 2; i++ {
		conv := fmt.Sprintf("c%d", i)
		b.Subscribe(conv)
		b.Publish(conv, contentEvent(conv, 1))
	}

	st = b.Stats()
	if st.TotalConversations != 2 {
		t.Errorf("TotalConversations = %d, want 2", st.TotalConversations)
	}
	if st.TotalSubscribers != 2 {
		t.Errorf("TotalSubscribers = %d, want 2", st.TotalSubscribers)
	}
	if st.TotalEventsBuffered != 2 {
		t.Errorf("TotalEventsBuffered = %d, want 2", st.TotalEventsBuffered)
	}
	if st.EstimatedMemoryBytes <= 0 {
		t.Error("EstimatedMemoryBytes should be positive")
	}
	if st.Health != HealthDegraded {
		t.Errorf("health = %s, want degraded at threshold", st.Health)
	}

	for i := 2; i < 4; i++ {
		b.Publish(fmt.Sprintf("c%d", i), contentEvent("c", 1))
	}
	if h := b.Health(); h != HealthCritical {
		t.Errorf("health = %s, want critical", h)
	}

	b.SetThresholds(100, 200)
	if h := b.Health(); h != HealthHealthy {
		t.Errorf("health after retune = %s, want healthy", h)
	}
}

func TestBroadcaster_ReapOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationTTL = 10 * time.Millisecond
	b := New(cfg, nil)

	// An idle conversation with history and no subscribers.
	b.Publish("idle", contentEvent("idle", 1))

	// A conversation with a live subscriber must survive.
	b.Subscribe("live")

	// A conversation vetoed by shouldEvict (e.g. it has an active task).
	b.Publish("busy", contentEvent("busy", 1))

	time.Sleep(20 * time.Millisecond)

	var evicted []string
	n := b.ReapOnce(
		func(id string) bool { return id != "busy" },
		func(id string) { evicted = append(evicted, id) },
	)

	if n != 1 {
		t.Fatalf("ReapOnce evicted %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Errorf("evicted = %v, want [idle]", evicted)
	}
	if _, ok := b.ConversationStats("live"); !ok {
		t.Error("conversation with subscriber must survive reaping")
	}
	if _, ok := b.ConversationStats("busy"); !ok {
		t.Error("conversation vetoed by shouldEvict must survive reaping")
	}
}

func TestBroadcaster_TouchRegistersForReaping(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationTTL = 10 * time.Millisecond
	b := New(cfg, nil)

	// Touch is all a freshly created conversation gets; with no publish
	// and no subscriber it must still be visible to the reaper.
	b.Touch("fresh")
	if _, ok := b.ConversationStats("fresh"); !ok {
		t.Fatal("touched conversation should be known to the broadcaster")
	}

	time.Sleep(20 * time.Millisecond)

	if n := b.ReapOnce(nil, nil); n != 1 {
		t.Fatalf("ReapOnce evicted %d, want 1", n)
	}
	if _, ok := b.ConversationStats("fresh"); ok {
		t.Error("touched conversation should age out past the TTL")
	}
}

func TestBroadcaster_ReaperStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationTTL = 5 * time.Millisecond
	cfg.ReapInterval = 5 * time.Millisecond
	b := New(cfg, nil)

	b.Publish("c1", contentEvent("c1", 1))

	evicted := make(chan string, 1)
	b.StartReaper(nil, func(id string) { evicted <- id })
	defer b.StopReaper()

	select {
	case id := <-evicted:
		if id != "c1" {
			t.Errorf("evicted %q, want c1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper never evicted the idle conversation")
	}

	b.StopReaper()
	b.StopReaper() // stopping twice must not panic
}

// TestBroadcaster_EndToEndScenario is the canonical dedup scenario:
// worker-started, content("hello"), a duplicate content("hello"), and
// worker-finished must reach a mid-stream joiner as exactly 3 events.
func TestBroadcaster_EndToEndScenario(t *testing.T) {
	b := New(testConfig(), nil)

	b.Publish("c1", event.New("c1", 1, event.KindWorkerStarted, event.StartedPayload("w1")))

	sub, replay := b.Subscribe("c1")
	if len(replay) != 1 {
		t.Fatalf("replay len = %d, want 1", len(replay))
	}

	hello := event.ContentPayload("hello")
	b.Publish("c1", event.New("c1", 2, event.KindContent, hello))
	b.Publish("c1", event.New("c1", 3, event.KindContent, hello)) // duplicate
	b.Publish("c1", event.New("c1", 4, event.KindWorkerFinished,
		event.FinishedPayload("w1", event.Usage{Events: 1})))

	live := drain(t, sub, 2)
	total := append(replay, live...)

	if len(total) != 3 {
		t.Fatalf("delivered %d events, want exactly 3", len(total))
	}
	wantKinds := []event.Kind{event.KindWorkerStarted, event.KindContent, event.KindWorkerFinished}
	for i, ev := range total {
		if ev.Kind != wantKinds[i] {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind, wantKinds[i])
		}
	}
	if !event.IsTerminal(total[2]) {
		t.Error("final event must be the terminal marker")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event: kind %s seq %d", ev.Kind, ev.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}
