// Package agent wraps a conversational voice-agent transport and exposes its
// status, mode and feedback flags as observable state.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-checkin/internal/observable"
	"github.com/loqalabs/loqa-checkin/internal/permission"
)

var (
	// ErrTransportConnectFailed wraps failures to open the agent conversation.
	ErrTransportConnectFailed = errors.New("agent transport connect failed")
	ErrMissingAgentID         = errors.New("agent id not configured")
	ErrNotOpen                = errors.New("agent session not open")
)

// Status is the connection lifecycle of the agent conversation.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Mode is the agent's turn-taking phase. Values other than the two named
// ones are passed through unchanged.
type Mode string

const (
	ModeNone      Mode = ""
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

type Message struct {
	Role Role
	Text string
}

type DisconnectReason string

const (
	ReasonError DisconnectReason = "error"
	ReasonAgent DisconnectReason = "agent"
	ReasonUser  DisconnectReason = "user"
)

type DisconnectDetails struct {
	Reason  DisconnectReason
	Message string
}

// Listener receives conversation events. Nil fields are skipped.
type Listener struct {
	OnConnect               func(conversationID string)
	OnMessage               func(Message)
	OnModeChange            func(Mode)
	OnStatusChange          func(Status)
	OnDisconnect            func(DisconnectDetails)
	OnCanSendFeedbackChange func(bool)
	OnError                 func(message string)
}

// Conversation is one open agent conversation.
type Conversation interface {
	IsOpen() bool
	SendUserMessage(text string) error
	SendContextualUpdate(text string) error
	Close(ctx context.Context) error
}

// Transport opens conversations with a configured agent.
type Transport interface {
	Dial(ctx context.Context, agentID string, l Listener) (Conversation, error)
}

// Session owns at most one conversation.
type Session struct {
	transport Transport
	agentID   string
	perm      permission.Checker
	log       *slog.Logger

	Status          *observable.Value[Status]
	Mode            *observable.Value[Mode]
	CanSendFeedback *observable.Value[bool]
	ConversationID  *observable.Value[string]

	mu    sync.Mutex
	conv  Conversation
	epoch uint64
}

func NewSession(transport Transport, agentID string, perm permission.Checker, log *slog.Logger) *Session {
	if perm == nil {
		perm = permission.Allow
	}
	return &Session{
		transport:       transport,
		agentID:         agentID,
		perm:            perm,
		log:             log.With(slog.String("component", "agent")),
		Status:          observable.NewComparable(StatusDisconnected),
		Mode:            observable.NewComparable(ModeNone),
		CanSendFeedback: observable.NewComparable(false),
		ConversationID:  observable.NewComparable(""),
	}
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	return conv != nil && conv.IsOpen()
}

// StartSession opens a conversation unless one is already open.
func (s *Session) StartSession(ctx context.Context, cb Listener) error {
	if s.IsOpen() {
		return nil
	}
	if err := s.perm.CheckMicrophone(ctx); err != nil {
		return err
	}
	if s.agentID == "" {
		return ErrMissingAgentID
	}

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	s.Status.Set(StatusConnecting)
	conv, err := s.transport.Dial(ctx, s.agentID, s.track(epoch, cb))
	if err != nil {
		s.reset()
		s.log.Error("agent dial failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrTransportConnectFailed, err)
	}

	s.mu.Lock()
	stale := s.epoch != epoch
	if !stale {
		s.conv = conv
	}
	s.mu.Unlock()
	if stale {
		// EndSession ran while dialing.
		_ = conv.Close(ctx)
		return fmt.Errorf("%w: session ended while connecting", ErrTransportConnectFailed)
	}
	s.log.Info("agent session started", slog.String("conversation_id", s.ConversationID.Get()))
	return nil
}

// EndSession closes the conversation. State is reset to disconnected defaults
// even when the close fails.
func (s *Session) EndSession(ctx context.Context) error {
	s.mu.Lock()
	conv := s.conv
	s.conv = nil
	s.epoch++
	s.mu.Unlock()
	if conv == nil {
		s.reset()
		return nil
	}

	defer s.reset()
	s.Status.Set(StatusDisconnecting)
	if err := conv.Close(ctx); err != nil {
		s.log.Warn("agent close failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *Session) SendUserMessage(text string) error {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		return ErrNotOpen
	}
	return conv.SendUserMessage(text)
}

func (s *Session) SendContextualUpdate(text string) error {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()
	if conv == nil {
		return ErrNotOpen
	}
	return conv.SendContextualUpdate(text)
}

func (s *Session) reset() {
	s.Status.Set(StatusDisconnected)
	s.Mode.Set(ModeNone)
	s.CanSendFeedback.Set(false)
	s.ConversationID.Set("")
}

func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

// track mirrors transport events into the state cells and drops events from
// conversations that have since been ended.
func (s *Session) track(epoch uint64, cb Listener) Listener {
	return Listener{
		OnConnect: func(id string) {
			if !s.current(epoch) {
				return
			}
			s.ConversationID.Set(id)
			if cb.OnConnect != nil {
				cb.OnConnect(id)
			}
		},
		OnMessage: func(m Message) {
			if s.current(epoch) && cb.OnMessage != nil {
				cb.OnMessage(m)
			}
		},
		OnModeChange: func(m Mode) {
			if !s.current(epoch) {
				return
			}
			s.Mode.Set(m)
			if cb.OnModeChange != nil {
				cb.OnModeChange(m)
			}
		},
		OnStatusChange: func(st Status) {
			if !s.current(epoch) {
				return
			}
			s.Status.Set(st)
			if cb.OnStatusChange != nil {
				cb.OnStatusChange(st)
			}
		},
		OnDisconnect: func(d DisconnectDetails) {
			if !s.current(epoch) {
				return
			}
			s.mu.Lock()
			s.conv = nil
			s.mu.Unlock()
			s.reset()
			if cb.OnDisconnect != nil {
				cb.OnDisconnect(d)
			}
		},
		OnCanSendFeedbackChange: func(v bool) {
			if !s.current(epoch) {
				return
			}
			s.CanSendFeedback.Set(v)
			if cb.OnCanSendFeedbackChange != nil {
				cb.OnCanSendFeedbackChange(v)
			}
		},
		OnError: func(msg string) {
			if s.current(epoch) && cb.OnError != nil {
				cb.OnError(msg)
			}
		},
	}
}
