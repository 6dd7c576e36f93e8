package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/agent"
	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/speech"
)

// ErrVoiceUnavailable is returned by the voice operations when no speech
// session is configured.
var ErrVoiceUnavailable = errors.New("voice input is not configured")

// voiceState tracks one speech connection. gen is bumped for every connect
// attempt so callbacks and timers of a replaced connection are ignored.
type voiceState struct {
	gen         uint64
	wanted      bool
	connecting  bool
	listening   bool
	heard       bool
	attempts    int
	lastPartial string
	repeats     int

	connectTimer    *time.Timer
	commitTimer     *time.Timer
	disconnectTimer *time.Timer
	reconnectTimer  *time.Timer
}

// StartVoice opens the speech-to-text stream. Partials refresh the live user
// buffer and committed transcripts become user turns.
func (e *Engine) StartVoice(ctx context.Context) error {
	if e.speech == nil {
		return ErrVoiceUnavailable
	}
	var result chan error
	err := e.call(func() {
		if e.voice.listening || e.voice.connecting {
			return
		}
		e.voice.wanted = true
		e.voice.attempts = 0
		result = make(chan error, 1)
		e.connectVoice(ctx, result)
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

// EndVoice commits whatever the stream has buffered and disconnects after a
// short delay so the final transcript can still arrive.
func (e *Engine) EndVoice(ctx context.Context) error {
	if e.speech == nil {
		return ErrVoiceUnavailable
	}
	return e.call(e.endVoice)
}

// connectVoice starts a connect attempt. Must run on the loop. A nil result
// marks an automatic reconnect.
func (e *Engine) connectVoice(ctx context.Context, result chan<- error) {
	e.stopVoiceTimers()
	e.voice.gen++
	vg := e.voice.gen
	e.voice.connecting = true
	e.voice.heard = false
	e.voice.lastPartial = ""
	e.voice.repeats = 0
	e.Connecting.Set(true)
	e.voice.connectTimer = time.AfterFunc(e.opts.VoiceConnectTimeout, func() {
		e.post(func() {
			if vg != e.voice.gen || e.voice.heard {
				return
			}
			e.log.Warn("no speech received before the connect timeout")
			e.endVoice()
		})
	})

	listener := e.speechListener(vg)
	go func() {
		err := e.speech.StartSession(ctx, listener)
		e.post(func() { e.voiceConnected(vg, err, result == nil) })
		if result != nil {
			result <- err
		}
	}()
}

func (e *Engine) voiceConnected(vg uint64, err error, reconnect bool) {
	if vg != e.voice.gen {
		// Voice ended while this attempt was dialing. Close what it opened
		// unless a newer attempt owns the adapter now.
		if err == nil && !e.voice.connecting && !e.voice.listening {
			e.log.Debug("closing speech session that opened after voice ended")
			go e.speech.Disconnect()
		}
		return
	}
	e.voice.connecting = false
	e.Connecting.Set(false)
	if err == nil {
		e.voice.listening = true
		e.Listening.Set(true)
		return
	}
	e.log.Warn("speech session failed to start", slog.String("error", err.Error()))
	if reconnect {
		e.handleSpeechError(vg, err)
		return
	}
	e.stopVoiceTimers()
	e.voice.wanted = false
	if errors.Is(err, permission.ErrDenied) {
		e.appendSystem(MsgMicDeniedVoice)
		return
	}
	e.appendSystem(MsgVoiceConnectFailed)
}

func (e *Engine) speechListener(vg uint64) speech.Listener {
	current := func(fn func()) {
		e.post(func() {
			if vg != e.voice.gen {
				return
			}
			fn()
		})
	}
	return speech.Listener{
		OnSessionStarted: func() {
			current(func() { e.log.Debug("speech session started") })
		},
		OnPartial: func(text string) {
			current(func() { e.handlePartial(vg, text) })
		},
		OnCommitted: func(c speech.Committed) {
			current(func() { e.handleCommitted(c.Text) })
		},
		OnError: func(err error) {
			current(func() { e.handleSpeechError(vg, err) })
		},
		OnOpen: func() {
			current(func() { e.voice.attempts = 0 })
		},
		OnClose: func() {
			current(func() {
				e.voice.listening = false
				e.Listening.Set(false)
			})
		},
	}
}

func (e *Engine) markHeard() {
	e.voice.heard = true
	stopTimer(&e.voice.connectTimer)
}

// handlePartial mirrors a partial into the live user buffer. A partial that
// keeps repeating means the speaker stopped, so a commit is scheduled.
func (e *Engine) handlePartial(vg uint64, text string) {
	e.markHeard()
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.transcript.setLive(RoleUser, text)
	if text == e.voice.lastPartial {
		e.voice.repeats++
	} else {
		e.voice.lastPartial = text
		e.voice.repeats = 1
	}
	if e.voice.repeats <= 2 {
		return
	}
	stopTimer(&e.voice.commitTimer)
	e.voice.commitTimer = time.AfterFunc(e.opts.CommitDebounce, func() {
		e.post(func() {
			if vg != e.voice.gen {
				return
			}
			e.log.Debug("partial stalled, committing")
			e.speech.Commit()
		})
	})
}

func (e *Engine) handleCommitted(text string) {
	e.markHeard()
	stopTimer(&e.voice.commitTimer)
	e.voice.lastPartial = ""
	e.voice.repeats = 0
	if e.mode == agent.ModeListening {
		e.transcript.setLive(RoleUser, "")
	} else {
		e.transcript.takeLive(RoleUser)
	}
	text = strings.TrimSpace(text)
	if text == "" || isFiller(text) {
		return
	}
	if text == e.turn.lastFinalizedUser {
		e.turn.lastFinalizedUser = ""
		e.metrics.suppressed(e.ctx)
		return
	}
	e.finalizeUser(text, "speech")
}

// handleSpeechError retries while the user still wants voice, up to the
// configured number of attempts.
func (e *Engine) handleSpeechError(vg uint64, err error) {
	e.log.Warn("speech stream error", slog.String("error", err.Error()))
	e.stopVoiceTimers()
	e.voice.connecting = false
	e.voice.listening = false
	e.Listening.Set(false)
	e.Connecting.Set(false)
	if !e.voice.wanted {
		return
	}
	if e.voice.attempts >= e.opts.MaxReconnectAttempts {
		e.voice.wanted = false
		e.appendSystem(MsgConnectionLost)
		go e.speech.Disconnect()
		return
	}
	e.voice.attempts++
	attempt := e.voice.attempts
	e.voice.reconnectTimer = time.AfterFunc(e.opts.ReconnectDelay, func() {
		e.post(func() {
			if vg != e.voice.gen || !e.voice.wanted {
				return
			}
			e.log.Info("reconnecting speech stream", slog.Int("attempt", attempt))
			e.connectVoice(e.ctx, nil)
		})
	})
}

// endVoice must run on the loop.
func (e *Engine) endVoice() {
	if !e.voice.listening && !e.voice.connecting {
		return
	}
	e.voice.wanted = false
	stopTimer(&e.voice.connectTimer)
	stopTimer(&e.voice.commitTimer)
	stopTimer(&e.voice.reconnectTimer)
	if e.voice.listening {
		e.speech.Commit()
	}
	vg := e.voice.gen
	stopTimer(&e.voice.disconnectTimer)
	e.voice.disconnectTimer = time.AfterFunc(e.opts.DisconnectDelay, func() {
		e.post(func() {
			if vg != e.voice.gen {
				return
			}
			e.voice.gen++
			e.voice.listening = false
			e.voice.connecting = false
			e.Listening.Set(false)
			e.Connecting.Set(false)
			if live := e.transcript.Live(RoleUser); live.Active && e.mode == agent.ModeNone {
				e.finalizeLive(RoleUser)
			}
			go e.speech.Disconnect()
		})
	})
}

func (e *Engine) stopVoiceTimers() {
	stopTimer(&e.voice.connectTimer)
	stopTimer(&e.voice.commitTimer)
	stopTimer(&e.voice.disconnectTimer)
	stopTimer(&e.voice.reconnectTimer)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
