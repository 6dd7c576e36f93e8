package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type agentEvent struct {
	kind string
	val  string
}

func TestWebsocketConversation(t *testing.T) {
	upgrader := websocket.Upgrader{}
	fromClient := make(chan outbound, 8)
	agentIDs := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentIDs <- r.URL.Query().Get("agent_id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var init outbound
		if err := conn.ReadJSON(&init); err != nil || init.Type != "conversation_initiation_client_data" {
			t.Errorf("expected initiation frame, got %+v (%v)", init, err)
			return
		}
		frames := []string{
			`{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"conv_42"}}`,
			`{"type":"ping","ping_event":{"event_id":7}}`,
			`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello"}}`,
			`{"type":"audio","audio_event":{"audio_base_64":"AAAA","event_id":1}}`,
			`{"type":"agent_response","agent_response_event":{"agent_response":"Hi there"}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			var msg outbound
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fromClient <- msg
		}
	}))
	defer srv.Close()

	events := make(chan agentEvent, 32)
	l := Listener{
		OnConnect:               func(id string) { events <- agentEvent{"connect", id} },
		OnMessage:               func(m Message) { events <- agentEvent{"message", string(m.Role) + ":" + m.Text} },
		OnModeChange:            func(m Mode) { events <- agentEvent{"mode", string(m)} },
		OnStatusChange:          func(s Status) { events <- agentEvent{"status", s.String()} },
		OnDisconnect:            func(d DisconnectDetails) { events <- agentEvent{"disconnect", string(d.Reason)} },
		OnCanSendFeedbackChange: func(v bool) { events <- agentEvent{"feedback", map[bool]string{true: "true", false: "false"}[v]} },
	}

	transport := NewWebsocketTransport("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second, 50*time.Millisecond, newLogger())
	conv, err := transport.Dial(context.Background(), "agent_7", l)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if id := <-agentIDs; id != "agent_7" {
		t.Fatalf("unexpected agent id %q", id)
	}

	want := []agentEvent{
		{"status", "connected"},
		{"connect", "conv_42"},
		{"mode", "listening"},
		{"message", "user:hello"},
		{"mode", "speaking"},
		{"message", "agent:Hi there"},
		{"feedback", "true"},
		{"mode", "listening"},
	}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event %d: expected %+v, got %+v", i, w, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d: timed out waiting for %+v", i, w)
		}
	}

	select {
	case pong := <-fromClient:
		if pong.Type != "pong" || pong.EventID != 7 {
			t.Fatalf("expected pong for event 7, got %+v", pong)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}

	if err := conv.SendContextualUpdate("hold on"); err != nil {
		t.Fatalf("contextual update: %v", err)
	}
	if err := conv.SendUserMessage("Say exactly"); err != nil {
		t.Fatalf("user message: %v", err)
	}
	for _, wantType := range []string{"contextual_update", "user_message"} {
		select {
		case msg := <-fromClient:
			if msg.Type != wantType {
				t.Fatalf("expected %s, got %+v", wantType, msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", wantType)
		}
	}

	if err := conv.Close(context.Background()); err != nil && !strings.Contains(err.Error(), "closed") {
		t.Fatalf("close: %v", err)
	}
	if conv.IsOpen() {
		t.Fatal("conversation should report closed")
	}
	if err := conv.SendUserMessage("late"); err == nil {
		t.Fatal("expected send after close to fail")
	}
}
