// Package conversation reconciles the voice agent, the speech-to-text stream
// and the check-in backend into one transcript.
//
// All state is owned by a single loop goroutine. Transport callbacks and the
// results of blocking calls are posted to the loop as closures, so no two
// handlers ever run at the same time. Each session and each voice connection
// carries a generation number; events and timers from an older generation are
// ignored once it has been torn down.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-checkin/internal/agent"
	"github.com/loqalabs/loqa-checkin/internal/cards"
	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/observable"
	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/query"
	"github.com/loqalabs/loqa-checkin/internal/speech"
)

var (
	// ErrClosed is returned by operations on an engine that has been closed.
	ErrClosed = errors.New("conversation engine closed")
	// ErrBusy is returned by SendUserText while a backend call is in flight.
	ErrBusy = errors.New("a backend request is already in flight")
)

// AgentSession is the voice agent as seen by the engine.
type AgentSession interface {
	StartSession(ctx context.Context, l agent.Listener) error
	EndSession(ctx context.Context) error
	IsOpen() bool
	SendUserMessage(text string) error
	SendContextualUpdate(text string) error
}

// SpeechSession is the speech-to-text stream as seen by the engine.
type SpeechSession interface {
	StartSession(ctx context.Context, l speech.Listener) error
	Commit()
	Disconnect()
}

// Options holds the engine's timing and limits.
type Options struct {
	AgentStreakLimit     int
	MailboxSize          int
	VoiceConnectTimeout  time.Duration
	CommitDebounce       time.Duration
	DisconnectDelay      time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

func OptionsFromConfig(cfg config.Config) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		AgentStreakLimit:     cfg.Engine.AgentStreakLimit,
		MailboxSize:          cfg.Engine.MailboxSize,
		VoiceConnectTimeout:  ms(cfg.Speech.ConnectTimeoutMS),
		CommitDebounce:       ms(cfg.Speech.CommitDebounceMS),
		DisconnectDelay:      ms(cfg.Speech.DisconnectDelayMS),
		ReconnectDelay:       ms(cfg.Speech.ReconnectDelayMS),
		MaxReconnectAttempts: cfg.Speech.MaxReconnectAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.AgentStreakLimit <= 0 {
		o.AgentStreakLimit = 10
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 256
	}
	if o.VoiceConnectTimeout <= 0 {
		o.VoiceConnectTimeout = 10 * time.Second
	}
	if o.CommitDebounce <= 0 {
		o.CommitDebounce = 500 * time.Millisecond
	}
	if o.DisconnectDelay <= 0 {
		o.DisconnectDelay = 500 * time.Millisecond
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	return o
}

// Deps are the collaborators of an engine. Agent and Speech may be nil, in
// which case the engine runs text-only.
type Deps struct {
	Agent      AgentSession
	Speech     SpeechSession
	Dispatcher query.Dispatcher
	Formatters []cards.Formatter
	Logger     *slog.Logger
	Meter      metric.Meter
}

// Snapshot is a consistent copy of the engine's observable state.
type Snapshot struct {
	Messages   []Message `json:"messages"`
	LiveUser   Live      `json:"liveUser"`
	LiveAgent  Live      `json:"liveAgent"`
	Mode       string    `json:"mode"`
	Sending    bool      `json:"sending"`
	Connecting bool      `json:"connecting"`
	AgentBusy  bool      `json:"agentConnecting"`
	Listening  bool      `json:"listening"`
	AgentOpen  bool      `json:"agentOpen"`
	SessionID  string    `json:"sessionId"`
}

// Engine is the conversation state reconciler.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	log    *slog.Logger

	agent      AgentSession
	speech     SpeechSession
	dispatcher query.Dispatcher
	formatters []cards.Formatter
	metrics    *engineMetrics

	mailbox   chan func()
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	transcript *Transcript

	// Exposed for readers; written only by the loop. Connecting and
	// Listening describe the speech stream.
	Sending    *observable.Value[bool]
	Connecting *observable.Value[bool]
	Listening  *observable.Value[bool]

	// Loop-owned state.
	gen             uint64
	agentConnecting bool
	mode            agent.Mode
	turn            turnState
	voice           voiceState
}

// NewEngine wires an engine. Call Start before using it.
func NewEngine(parent context.Context, opts Options, deps Deps) (*Engine, error) {
	if deps.Dispatcher == nil {
		return nil, errors.New("conversation engine requires a dispatcher")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	formatters := deps.Formatters
	if formatters == nil {
		formatters = cards.Default()
	}
	metrics, err := newEngineMetrics(deps.Meter)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)
	return &Engine{
		ctx:        ctx,
		cancel:     cancel,
		opts:       opts,
		log:        log.With(slog.String("component", "conversation")),
		agent:      deps.Agent,
		speech:     deps.Speech,
		dispatcher: deps.Dispatcher,
		formatters: formatters,
		metrics:    metrics,
		mailbox:    make(chan func(), opts.MailboxSize),
		done:       make(chan struct{}),
		transcript: NewTranscript(),
		Sending:    observable.NewComparable(false),
		Connecting: observable.NewComparable(false),
		Listening:  observable.NewComparable(false),
	}, nil
}

func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Close ends any live session, stops the loop and waits for it to exit.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		started := true
		e.startOnce.Do(func() { started = false })
		if started {
			err = e.EndSession(ctx)
		}
		e.cancel()
		if started {
			<-e.done
		}
	})
	return err
}

func (e *Engine) Healthy() bool {
	return e.ctx.Err() == nil
}

func (e *Engine) Transcript() *Transcript {
	return e.transcript
}

func (e *Engine) Messages() []Message {
	return e.transcript.Messages()
}

func (e *Engine) LiveText(role Role) Live {
	return e.transcript.Live(role)
}

// SubscribeMessages registers fn for transcript changes. fn runs on the
// engine loop and must not call back into the engine.
func (e *Engine) SubscribeMessages(fn func([]Message)) func() {
	return e.transcript.SubscribeMessages(fn)
}

// SubscribeAppended registers fn for every appended message. The same rules
// as SubscribeMessages apply.
func (e *Engine) SubscribeAppended(fn func(Appended)) func() {
	return e.transcript.SubscribeAppended(fn)
}

func (e *Engine) SubscribeLive(role Role, fn func(Live)) func() {
	return e.transcript.SubscribeLive(role, fn)
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			return
		case fn := <-e.mailbox:
			fn()
		}
	}
}

// post enqueues fn for the loop. It must not be called from the loop itself.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.ctx.Done():
		return false
	default:
	}
	select {
	case e.mailbox <- fn:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (e *Engine) call(fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// StartSession resets the transcript and the backend session, connects the
// voice agent and instructs it to stay silent until told what to say. It is a
// no-op while a session is open or connecting. The returned error is the
// agent connect error, if any; it is also recorded in the transcript.
func (e *Engine) StartSession(ctx context.Context) error {
	var result chan error
	err := e.call(func() {
		if e.agentConnecting || (e.agent != nil && e.agent.IsOpen()) {
			e.log.Debug("session already active")
			return
		}
		e.teardown()
		e.transcript.Reset()
		e.turn = turnState{}
		e.agentConnecting = true
		gen := e.gen
		result = make(chan error, 1)
		go e.connectAgent(ctx, gen, result)
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) connectAgent(ctx context.Context, gen uint64, result chan<- error) {
	if err := e.dispatcher.ResetSession(ctx); err != nil {
		e.log.Warn("failed to reset backend session", slog.String("error", err.Error()))
	}
	var err error
	if e.agent != nil {
		err = e.agent.StartSession(ctx, e.agentListener(gen))
	}
	e.post(func() {
		if gen != e.gen {
			return
		}
		e.agentConnecting = false
		if err != nil {
			e.log.Warn("agent session failed to start", slog.String("error", err.Error()))
			if errors.Is(err, permission.ErrDenied) {
				e.appendSystem(MsgMicDeniedAgent)
			} else {
				e.appendSystem(MsgAgentStartFailed)
			}
			return
		}
		if e.agentOpen() {
			e.sendContextual(silenceOverride)
		}
		e.log.Info("conversation session started", slog.String("session_id", e.dispatcher.SessionID()))
	})
	result <- err
}

// EndSession tears down the voice and agent sessions and clears the live
// state. The transcript is kept.
func (e *Engine) EndSession(ctx context.Context) error {
	var wasOpen bool
	err := e.call(func() {
		wasOpen = e.agent != nil && (e.agent.IsOpen() || e.agentConnecting)
		e.teardown()
	})
	if err != nil {
		return err
	}
	if e.speech != nil {
		e.speech.Disconnect()
	}
	if e.agent != nil && wasOpen {
		return e.agent.EndSession(ctx)
	}
	return nil
}

// ClearSession ends the session, empties the transcript and forgets the
// backend session id.
func (e *Engine) ClearSession(ctx context.Context) error {
	endErr := e.EndSession(ctx)
	if err := e.call(func() {
		e.transcript.Reset()
		e.turn = turnState{}
	}); err != nil {
		return err
	}
	if err := e.dispatcher.ResetSession(ctx); err != nil {
		return err
	}
	return endErr
}

// teardown invalidates every in-flight callback, result and timer of the
// current generation. Must run on the loop.
func (e *Engine) teardown() {
	e.gen++
	e.stopVoiceTimers()
	e.voice = voiceState{gen: e.voice.gen + 1}
	e.Listening.Set(false)
	e.Connecting.Set(false)
	e.agentConnecting = false
	e.mode = agent.ModeNone
	e.transcript.takeLive(RoleUser)
	e.transcript.takeLive(RoleAgent)
	e.turn.pendingSpeak = ""
	e.turn.agentStreak = 0
}

// SendUserText submits typed text as a user turn. It does not start an agent
// session.
func (e *Engine) SendUserText(ctx context.Context, text string) error {
	var busy bool
	err := e.call(func() {
		if e.Sending.Get() {
			busy = true
			return
		}
		e.finalizeUser(text, "text")
	})
	if err != nil {
		return err
	}
	if busy {
		e.metrics.dropped(e.ctx)
		return ErrBusy
	}
	return nil
}

// Snapshot returns the current state as seen by the loop.
func (e *Engine) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := e.call(func() {
		snap = Snapshot{
			Messages:   e.transcript.Messages(),
			LiveUser:   e.transcript.Live(RoleUser),
			LiveAgent:  e.transcript.Live(RoleAgent),
			Mode:       string(e.mode),
			Sending:    e.Sending.Get(),
			Connecting: e.Connecting.Get(),
			AgentBusy:  e.agentConnecting,
			Listening:  e.Listening.Get(),
			AgentOpen:  e.agentOpen(),
			SessionID:  e.dispatcher.SessionID(),
		}
	})
	return snap, err
}

func (e *Engine) agentOpen() bool {
	return e.agent != nil && e.agent.IsOpen()
}

func (e *Engine) agentListener(gen uint64) agent.Listener {
	current := func(fn func()) {
		e.post(func() {
			if gen != e.gen {
				return
			}
			fn()
		})
	}
	return agent.Listener{
		OnConnect: func(conversationID string) {
			current(func() {
				e.log.Info("agent connected", slog.String("conversation_id", conversationID))
			})
		},
		OnMessage: func(m agent.Message) {
			current(func() { e.handleMessage(Role(m.Role), m.Text) })
		},
		OnModeChange: func(m agent.Mode) {
			current(func() { e.handleModeChange(m) })
		},
		OnDisconnect: func(d agent.DisconnectDetails) {
			current(func() { e.handleAgentDisconnect(d) })
		},
		OnError: func(message string) {
			current(func() {
				e.log.Warn("agent reported an error", slog.String("error", message))
				e.appendSystem(MsgAgentError)
			})
		},
	}
}

func (e *Engine) handleAgentDisconnect(d agent.DisconnectDetails) {
	e.log.Info("agent disconnected", slog.String("reason", string(d.Reason)))
	e.mode = agent.ModeNone
	e.transcript.takeLive(RoleUser)
	e.transcript.takeLive(RoleAgent)
	e.turn.pendingSpeak = ""
	if d.Reason == agent.ReasonError {
		e.appendSystem(MsgAgentDisconnected)
	}
}
