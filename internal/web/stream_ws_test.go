package web

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/courier/internal/event"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dialWS(t *testing.T, ts *httptest.Server, conversationID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/api/conversations/"+conversationID+"/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelope reads one envelope with a deadline.
func readEnvelope(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return msg
}

func TestStreamWS_ConnectionThenPromptLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	id := createConversation(t, ts)
	conn := dialWS(t, ts, id)

	if msg := readEnvelope(t, conn); msg.Type != string(event.KindConnection) {
		t.Fatalf("first message type = %q, want connection", msg.Type)
	}

	prompt, _ := json.Marshal(map[string]interface{}{
		"type": "prompt",
		"data": map[string]string{"message": "hello world"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, prompt); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	wantTypes := []string{
		string(event.KindWorkerStarted),
		string(event.KindContent),
		string(event.KindContent),
		string(event.KindWorkerFinished),
	}
	for i, want := range wantTypes {
		msg := readEnvelope(t, conn)
		if msg.Type != want {
			t.Fatalf("message %d type = %q, want %q", i, msg.Type, want)
		}
	}
}

func TestStreamWS_TerminalEventCarriesUsage(t *testing.T) {
	_, ts := newTestServer(t)
	id := createConversation(t, ts)
	conn := dialWS(t, ts, id)
	readEnvelope(t, conn) // connection

	prompt, _ := json.Marshal(map[string]interface{}{
		"type": "prompt",
		"data": map[string]string{"message": "one"},
	})
	conn.WriteMessage(websocket.TextMessage, prompt)

	var terminal WSMessage
	for {
		msg := readEnvelope(t, conn)
		if msg.Type == string(event.KindWorkerFinished) {
			terminal = msg
			break
		}
	}

	var ev event.Event
	if err := json.Unmarshal(terminal.Data, &ev); err != nil {
		t.Fatalf("unmarshal terminal event: %v", err)
	}
	var payload struct {
		Usage event.Usage `json:"usage"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal usage: %v", err)
	}
	if payload.Usage.Events != 1 {
		t.Errorf("usage.events = %d, want 1", payload.Usage.Events)
	}
}

func TestStreamWS_MidStreamJoinerGetsReplay(t *testing.T) {
	s, ts := newTestServer(t)
	id := createConversation(t, ts)

	// First subscriber runs a full turn.
	conn := dialWS(t, ts, id)
	readEnvelope(t, conn)
	prompt, _ := json.Marshal(map[string]interface{}{
		"type": "prompt",
		"data": map[string]string{"message": "history"},
	})
	conn.WriteMessage(websocket.TextMessage, prompt)
	for {
		if readEnvelope(t, conn).Type == string(event.KindWorkerFinished) {
			break
		}
	}
	// Let the finished task drop its registry entry.
	deadline := time.Now().Add(time.Second)
	for s.registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// A late joiner replays the whole history.
	late := dialWS(t, ts, id)
	if msg := readEnvelope(t, late); msg.Type != string(event.KindConnection) {
		t.Fatalf("first message type = %q, want connection", msg.Type)
	}

	wantTypes := []string{
		string(event.KindWorkerStarted),
		string(event.KindContent),
		string(event.KindWorkerFinished),
	}
	for i, want := range wantTypes {
		msg := readEnvelope(t, late)
		if msg.Type != want {
			t.Fatalf("replayed message %d type = %q, want %q", i, msg.Type, want)
		}
	}
}

func TestStreamWS_UnknownConversationRejected(t *testing.T) {
	_, ts := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(ts, "/api/conversations/unknown/ws"), nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown conversation")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Errorf("expected 404 response, got %+v", resp)
	}
}

func TestStreamWS_InvalidClientMessage(t *testing.T) {
	_, ts := newTestServer(t)
	id := createConversation(t, ts)
	conn := dialWS(t, ts, id)
	readEnvelope(t, conn) // connection

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	if msg := readEnvelope(t, conn); msg.Type != "error" {
		t.Errorf("response type = %q, want error", msg.Type)
	}

	unknown, _ := json.Marshal(map[string]string{"type": "mystery"})
	conn.WriteMessage(websocket.TextMessage, unknown)
	if msg := readEnvelope(t, conn); msg.Type != "error" {
		t.Errorf("response type = %q, want error", msg.Type)
	}
}
