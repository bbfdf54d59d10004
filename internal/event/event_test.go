package event

import (
	"encoding/json"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	payload := []byte(`{"text":"hello world"}`)

	fp1 := Fingerprint(payload)
	fp2 := Fingerprint(payload)

	if fp1 != fp2 {
		t.Errorf("Fingerprint not deterministic: %q != %q", fp1, fp2)
	}

	// 8 bytes hex-encoded = 16 characters
	if len(fp1) != 16 {
		t.Errorf("Fingerprint length = %d, want 16", len(fp1))
	}
}

func TestFingerprint_OneByteDifference(t *testing.T) {
	a := Fingerprint([]byte("hello"))
	b := Fingerprint([]byte("hellp"))

	if a == b {
		t.Errorf("Fingerprints of different payloads collide: %q", a)
	}
}

func TestNew_ContentGetsFingerprint(t *testing.T) {
	payload := ContentPayload("hello")
	ev := New("c1", 1, KindContent, payload)

	if ev.Fingerprint == "" {
		t.Error("content event should have a fingerprint")
	}
	if ev.Fingerprint != Fingerprint(payload) {
		t.Errorf("Fingerprint = %q, want %q", ev.Fingerprint, Fingerprint(payload))
	}
	if ev.Timestamp.IsZero() {
		t.Error("event timestamp should be set")
	}
}

func TestNew_NonContentHasNoFingerprint(t *testing.T) {
	ev := New("c1", 1, KindWorkerStarted, StartedPayload("w1"))

	if ev.Fingerprint != "" {
		t.Errorf("non-content event has fingerprint %q, want empty", ev.Fingerprint)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindConnection, false},
		{KindHeartbeat, false},
		{KindWorkerStarted, false},
		{KindWorkerFinished, true},
		{KindContent, false},
		{KindError, false},
	}

	for _, tt := range tests {
		ev := New("c1", 1, tt.kind, nil)
		if got := IsTerminal(ev); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestFinishedPayload_CarriesUsage(t *testing.T) {
	payload := FinishedPayload("w1", Usage{Events: 3, DurationMS: 120})

	var decoded struct {
		WorkerID string `json:"worker_id"`
		Usage    *Usage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal finished payload: %v", err)
	}
	if decoded.WorkerID != "w1" {
		t.Errorf("worker_id = %q, want %q", decoded.WorkerID, "w1")
	}
	if decoded.Usage == nil {
		t.Fatal("finished payload must carry a usage marker")
	}
	if decoded.Usage.Events != 3 {
		t.Errorf("usage.events = %d, want 3", decoded.Usage.Events)
	}
}
