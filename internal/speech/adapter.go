// Package speech adapts realtime speech-to-text transports into a normalized
// stream of session-started, partial and committed transcript events.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/protocol"
)

// ErrTransportConnectFailed wraps failures to open the realtime connection.
var ErrTransportConnectFailed = errors.New("speech transport connect failed")

// ErrNotConnected is returned by SendAudio when no session is open.
var ErrNotConnected = errors.New("speech session not connected")

// Committed is a finalized utterance.
type Committed struct {
	Text  string
	Words []protocol.Word
}

// Listener receives transport events. Nil fields are skipped.
type Listener struct {
	OnSessionStarted func()
	OnPartial        func(text string)
	OnCommitted      func(Committed)
	OnError          func(error)
	OnOpen           func()
	OnClose          func()
}

// Connection is one open realtime session.
type Connection interface {
	// Subscribe starts event delivery to l. The returned func stops it.
	Subscribe(l Listener) (unsubscribe func())
	Commit() error
	Close() error
}

// AudioSink is implemented by connections that accept PCM from the caller.
type AudioSink interface {
	SendAudio(pcm []byte) error
}

// Transport opens connections.
type Transport interface {
	Connect(ctx context.Context, token string) (Connection, error)
}

// Adapter owns at most one live connection at a time. Reconnection policy is
// left to the caller.
type Adapter struct {
	transport Transport
	tokens    TokenProvider
	perm      permission.Checker
	settle    time.Duration
	log       *slog.Logger

	startMu sync.Mutex

	mu          sync.Mutex
	conn        Connection
	unsubscribe func()
}

// NewAdapter wires a transport. tokens may be nil for transports that do not
// authenticate with access tokens.
func NewAdapter(transport Transport, tokens TokenProvider, perm permission.Checker, settle time.Duration, log *slog.Logger) *Adapter {
	if perm == nil {
		perm = permission.Allow
	}
	return &Adapter{
		transport: transport,
		tokens:    tokens,
		perm:      perm,
		settle:    settle,
		log:       log.With(slog.String("component", "speech")),
	}
}

// StartSession checks microphone permission, replaces any existing connection
// and starts delivering events to l.
func (a *Adapter) StartSession(ctx context.Context, l Listener) error {
	a.startMu.Lock()
	defer a.startMu.Unlock()

	if err := a.perm.CheckMicrophone(ctx); err != nil {
		a.log.Warn("microphone permission denied", slog.String("error", err.Error()))
		return err
	}

	if a.Connected() {
		a.log.Info("replacing existing speech connection")
		a.Disconnect()
		if a.settle > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.settle):
			}
		}
	}

	var token string
	if a.tokens != nil {
		tok, err := a.tokens.Token(ctx)
		if err != nil {
			a.log.Error("speech token fetch failed", slog.String("error", err.Error()))
			return err
		}
		token = tok
	}

	conn, err := a.transport.Connect(ctx, token)
	if err != nil {
		a.log.Error("speech transport connect failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrTransportConnectFailed, err)
	}

	a.mu.Lock()
	a.conn = conn
	a.unsubscribe = conn.Subscribe(l)
	a.mu.Unlock()
	a.log.Info("speech session started")
	return nil
}

// Commit asks the transport to finalize the pending utterance.
func (a *Adapter) Commit() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Commit(); err != nil {
		a.log.Warn("speech commit failed", slog.String("error", err.Error()))
	}
}

// Disconnect unsubscribes, commits and closes. It never fails and is safe to
// call without a connection.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	conn, unsubscribe := a.conn, a.unsubscribe
	a.conn, a.unsubscribe = nil, nil
	a.mu.Unlock()
	if conn == nil {
		return
	}

	if unsubscribe != nil {
		unsubscribe()
	}
	if err := conn.Commit(); err != nil {
		a.log.Debug("final commit on disconnect failed", slog.String("error", err.Error()))
	}
	if err := conn.Close(); err != nil {
		a.log.Warn("speech close failed", slog.String("error", err.Error()))
		return
	}
	a.log.Info("speech session closed")
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil
}

// SendAudio forwards caller-captured PCM when the transport accepts it.
func (a *Adapter) SendAudio(pcm []byte) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	sink, ok := conn.(AudioSink)
	if !ok {
		return errors.New("speech transport does not accept audio")
	}
	return sink.SendAudio(pcm)
}

// listenerSlot is shared by the transports to swap listeners safely.
type listenerSlot struct {
	mu sync.RWMutex
	l  Listener
}

func (s *listenerSlot) set(l Listener) func() {
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.l = Listener{}
		s.mu.Unlock()
	}
}

func (s *listenerSlot) get() Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l
}

func (s *listenerSlot) sessionStarted() {
	if fn := s.get().OnSessionStarted; fn != nil {
		fn()
	}
}

func (s *listenerSlot) partial(text string) {
	if fn := s.get().OnPartial; fn != nil {
		fn(text)
	}
}

func (s *listenerSlot) committed(c Committed) {
	if fn := s.get().OnCommitted; fn != nil {
		fn(c)
	}
}

func (s *listenerSlot) failed(err error) {
	if fn := s.get().OnError; fn != nil {
		fn(err)
	}
}

func (s *listenerSlot) opened() {
	if fn := s.get().OnOpen; fn != nil {
		fn()
	}
}

func (s *listenerSlot) ended() {
	if fn := s.get().OnClose; fn != nil {
		fn()
	}
}
