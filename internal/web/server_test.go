package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inercia/courier/internal/config"
)

// newTestServer creates a server with rate limiting disabled so tests
// can hammer the API freely. Requests from httptest arrive over
// loopback, so no auth token is needed.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.RateLimitRPS = 0

	s := NewServer(cfg, nil, AccessLogConfig{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.registry.CloseAll()
	})
	return s, ts
}

// createConversation creates a conversation through the API and returns its ID.
func createConversation(t *testing.T, ts *httptest.Server) string {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/conversations", "application/json", nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation status = %d, want 201", resp.StatusCode)
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("created conversation has empty ID")
	}
	return conv.ID
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	id := createConversation(t, ts)

	// Get
	resp, err := http.Get(ts.URL + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d, want 200", resp.StatusCode)
	}

	// List
	resp, err = http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	var list struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(list.Conversations) != 1 {
		t.Errorf("list count = %d, want 1", len(list.Conversations))
	}

	// Delete
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/conversations/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	// Gone now
	resp, err = http.Get(ts.URL + "/api/conversations/" + id)
	if err != nil {
		t.Fatalf("get deleted conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_ConversationLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RateLimitRPS = 0
	cfg.Server.MaxConversations = 2

	s := NewServer(cfg, nil, AccessLogConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	createConversation(t, ts)
	createConversation(t, ts)

	resp, err := http.Post(ts.URL+"/api/conversations", "application/json", nil)
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("over-limit create status = %d, want 429", resp.StatusCode)
	}
}

func TestAPI_PromptStartsWorkerTurn(t *testing.T) {
	s, ts := newTestServer(t)
	id := createConversation(t, ts)

	body, _ := json.Marshal(promptRequest{Message: "hello world"})
	resp, err := http.Post(ts.URL+"/api/conversations/"+id+"/prompt", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("prompt status = %d, want 202", resp.StatusCode)
	}

	var ack struct {
		TaskID   string `json:"task_id"`
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.TaskID == "" || ack.WorkerID == "" {
		t.Errorf("ack missing IDs: %+v", ack)
	}

	// The turn ran against the echo producer; its handle resolves.
	if h := s.registry.Get(id); h != nil {
		<-h.Done()
	}
}

func TestAPI_PromptValidation(t *testing.T) {
	_, ts := newTestServer(t)
	id := createConversation(t, ts)

	// Empty message
	resp, err := http.Post(ts.URL+"/api/conversations/"+id+"/prompt", "application/json",
		bytes.NewReader([]byte(`{"message":""}`)))
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}

	// Unknown conversation
	resp, err = http.Post(ts.URL+"/api/conversations/nope/prompt", "application/json",
		bytes.NewReader([]byte(`{"message":"hi"}`)))
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestAPI_Cancel(t *testing.T) {
	_, ts := newTestServer(t)
	id := createConversation(t, ts)

	resp, err := http.Post(ts.URL+"/api/conversations/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if out["cancelled"] {
		t.Error("cancel with no active task should report false")
	}
}
