package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-checkin/internal/permission"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConversation struct {
	mu       sync.Mutex
	open     bool
	closeErr error
	sent     []string
}

func (f *fakeConversation) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeConversation) SendUserMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "user:"+text)
	return nil
}

func (f *fakeConversation) SendContextualUpdate(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, "context:"+text)
	return nil
}

func (f *fakeConversation) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return f.closeErr
}

type fakeTransport struct {
	dials    int
	err      error
	closeErr error
	last     Listener
	conv     *fakeConversation
}

func (f *fakeTransport) Dial(_ context.Context, agentID string, l Listener) (Conversation, error) {
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	f.last = l
	f.conv = &fakeConversation{open: true, closeErr: f.closeErr}
	l.OnStatusChange(StatusConnected)
	l.OnConnect("conv-" + agentID)
	l.OnModeChange(ModeListening)
	return f.conv, nil
}

func TestStartSessionIsNoOpWhenOpen(t *testing.T) {
	transport := &fakeTransport{}
	s := NewSession(transport, "agent-1", permission.Allow, newLogger())

	if err := s.StartSession(context.Background(), Listener{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StartSession(context.Background(), Listener{}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if transport.dials != 1 {
		t.Fatalf("expected one dial, got %d", transport.dials)
	}
	if !s.IsOpen() || s.Status.Get() != StatusConnected || s.Mode.Get() != ModeListening {
		t.Fatalf("unexpected state open=%v status=%s mode=%q", s.IsOpen(), s.Status.Get(), s.Mode.Get())
	}
	if s.ConversationID.Get() != "conv-agent-1" {
		t.Fatalf("unexpected conversation id %q", s.ConversationID.Get())
	}
}

func TestStartSessionPreconditions(t *testing.T) {
	transport := &fakeTransport{}
	denied := NewSession(transport, "agent-1", permission.Deny, newLogger())
	if err := denied.StartSession(context.Background(), Listener{}); !errors.Is(err, permission.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	missing := NewSession(transport, "", permission.Allow, newLogger())
	if err := missing.StartSession(context.Background(), Listener{}); !errors.Is(err, ErrMissingAgentID) {
		t.Fatalf("expected ErrMissingAgentID, got %v", err)
	}
	if transport.dials != 0 {
		t.Fatalf("expected no dial, got %d", transport.dials)
	}

	failing := NewSession(&fakeTransport{err: errors.New("refused")}, "agent-1", permission.Allow, newLogger())
	if err := failing.StartSession(context.Background(), Listener{}); !errors.Is(err, ErrTransportConnectFailed) {
		t.Fatalf("expected ErrTransportConnectFailed, got %v", err)
	}
	if failing.Status.Get() != StatusDisconnected {
		t.Fatalf("expected disconnected after failed dial, got %s", failing.Status.Get())
	}
}

func TestEndSessionResetsStateWhenCloseFails(t *testing.T) {
	transport := &fakeTransport{closeErr: errors.New("socket already closed")}
	s := NewSession(transport, "agent-1", permission.Allow, newLogger())
	if err := s.StartSession(context.Background(), Listener{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.CanSendFeedback.Set(true)

	if err := s.EndSession(context.Background()); err == nil {
		t.Fatal("expected close error to be returned")
	}
	if s.IsOpen() {
		t.Fatal("session must not be open after end")
	}
	if s.Status.Get() != StatusDisconnected || s.Mode.Get() != ModeNone || s.CanSendFeedback.Get() || s.ConversationID.Get() != "" {
		t.Fatalf("state not reset: status=%s mode=%q feedback=%v id=%q",
			s.Status.Get(), s.Mode.Get(), s.CanSendFeedback.Get(), s.ConversationID.Get())
	}
	if err := s.SendUserMessage("hi"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := s.EndSession(context.Background()); err != nil {
		t.Fatalf("ending twice should be harmless: %v", err)
	}
}

func TestEventsFromEndedConversationAreDropped(t *testing.T) {
	transport := &fakeTransport{}
	s := NewSession(transport, "agent-1", permission.Allow, newLogger())
	var modes []Mode
	if err := s.StartSession(context.Background(), Listener{OnModeChange: func(m Mode) { modes = append(modes, m) }}); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := transport.last
	_ = s.EndSession(context.Background())

	old.OnModeChange(ModeSpeaking)
	old.OnConnect("late")
	if s.Mode.Get() != ModeNone || s.ConversationID.Get() != "" {
		t.Fatalf("late events mutated state: mode=%q id=%q", s.Mode.Get(), s.ConversationID.Get())
	}
	if len(modes) != 1 || modes[0] != ModeListening {
		t.Fatalf("unexpected forwarded modes %v", modes)
	}
}

func TestRemoteDisconnectResetsState(t *testing.T) {
	transport := &fakeTransport{}
	s := NewSession(transport, "agent-1", permission.Allow, newLogger())
	var got DisconnectDetails
	if err := s.StartSession(context.Background(), Listener{OnDisconnect: func(d DisconnectDetails) { got = d }}); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.last.OnDisconnect(DisconnectDetails{Reason: ReasonError, Message: "boom"})
	if got.Reason != ReasonError || s.Status.Get() != StatusDisconnected || s.IsOpen() {
		t.Fatalf("unexpected state after remote disconnect: %+v status=%s", got, s.Status.Get())
	}
}

func TestStatusString(t *testing.T) {
	if StatusDisconnecting.String() != "disconnecting" || Status(42).String() != "unknown" {
		t.Fatal("unexpected status strings")
	}
}
