package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/agent"
	"github.com/loqalabs/loqa-checkin/internal/query"
	"github.com/loqalabs/loqa-checkin/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf(format, args...)
}

type fakeAgent struct {
	mu         sync.Mutex
	open       bool
	startErr   error
	endErr     error
	starts     int
	ends       int
	listener   agent.Listener
	userMsgs   []string
	contextual []string
	// sent records both kinds of outbound text in order, prefixed with
	// "user:" or "ctx:".
	sent []string
}

func (a *fakeAgent) StartSession(_ context.Context, l agent.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	if a.startErr != nil {
		return a.startErr
	}
	a.listener = l
	a.open = true
	return nil
}

func (a *fakeAgent) EndSession(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ends++
	a.open = false
	return a.endErr
}

func (a *fakeAgent) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *fakeAgent) SendUserMessage(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userMsgs = append(a.userMsgs, text)
	a.sent = append(a.sent, "user:"+text)
	return nil
}

func (a *fakeAgent) SendContextualUpdate(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contextual = append(a.contextual, text)
	a.sent = append(a.sent, "ctx:"+text)
	return nil
}

func (a *fakeAgent) cb() agent.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

func (a *fakeAgent) message(role agent.Role, text string) {
	a.cb().OnMessage(agent.Message{Role: role, Text: text})
}

func (a *fakeAgent) mode(m agent.Mode) {
	a.cb().OnModeChange(m)
}

func (a *fakeAgent) userMessages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.userMsgs...)
}

func (a *fakeAgent) sentLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeAgent) startCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts
}

func (a *fakeAgent) endCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ends
}

type fakeSpeech struct {
	mu          sync.Mutex
	startErrs   []error
	starts      int
	commits     int
	disconnects int
	listener    speech.Listener
	// gate, when set, holds StartSession until it is closed.
	gate chan struct{}
}

func (s *fakeSpeech) StartSession(_ context.Context, l speech.Listener) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if len(s.startErrs) > 0 {
		err := s.startErrs[0]
		s.startErrs = s.startErrs[1:]
		if err != nil {
			return err
		}
	}
	s.listener = l
	return nil
}

func (s *fakeSpeech) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSpeech) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSpeech) cb() speech.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *fakeSpeech) counts() (starts, commits, disconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.commits, s.disconnects
}

type dispatchCall struct {
	text  string
	reply chan dispatchResult
}

type dispatchResult struct {
	reply query.Reply
	err   error
}

// fakeDispatcher hands every call to the test through calls. A test answers
// by writing to the call's reply channel. When auto is set, calls are
// answered immediately instead.
type fakeDispatcher struct {
	calls  chan dispatchCall
	auto   func(text string) (query.Reply, error)
	mu     sync.Mutex
	texts  []string
	resets int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: make(chan dispatchCall, 16)}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, text string) (query.Reply, error) {
	d.mu.Lock()
	d.texts = append(d.texts, text)
	auto := d.auto
	d.mu.Unlock()
	if auto != nil {
		return auto(text)
	}
	call := dispatchCall{text: text, reply: make(chan dispatchResult, 1)}
	d.calls <- call
	select {
	case res := <-call.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return query.Reply{}, ctx.Err()
	}
}

func (d *fakeDispatcher) SessionID() string { return "session-1" }

func (d *fakeDispatcher) ResetSession(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *fakeDispatcher) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *fakeDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.texts...)
}

func (d *fakeDispatcher) next(t *testing.T) dispatchCall {
	t.Helper()
	select {
	case call := <-d.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("expected a backend dispatch")
		return dispatchCall{}
	}
}

func textReply(text string) dispatchResult {
	raw, _ := json.Marshal(map[string]string{"response": text})
	return dispatchResult{reply: query.Reply{UserMessage: text, Raw: raw}}
}

var errBackend = errors.New("backend down")

type harness struct {
	engine *Engine
	agent  *fakeAgent
	speech *fakeSpeech
	disp   *fakeDispatcher
}

func newHarness(t *testing.T, opts Options, withAgent, withSpeech bool) *harness {
	t.Helper()
	h := &harness{disp: newFakeDispatcher()}
	deps := Deps{Dispatcher: h.disp, Logger: newLogger()}
	if withAgent {
		h.agent = &fakeAgent{}
		deps.Agent = h.agent
	}
	if withSpeech {
		h.speech = &fakeSpeech{}
		deps.Speech = h.speech
	}
	engine, err := NewEngine(context.Background(), opts, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	h.engine = engine
	return h
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync(t *testing.T) Snapshot {
	t.Helper()
	snap, err := h.engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func (h *harness) texts(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range h.sync(t).Messages {
		out = append(out, string(m.Role)+":"+m.Text)
	}
	return out
}
