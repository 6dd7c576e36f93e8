package conversation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-checkin/internal/agent"
	"github.com/loqalabs/loqa-checkin/internal/cards"
	"github.com/loqalabs/loqa-checkin/internal/query"
)

// turnState is the per-session turn bookkeeping. Loop-owned.
type turnState struct {
	lastHandledUser    string
	lastFinalizedUser  string
	lastFinalizedAgent string
	pendingSpeak       string
	hasSpokenForTurn   bool
	agentStreak        int
}

// handleMessage routes a finalized transport message. While the matching
// mode is active the text only refreshes the live buffer.
func (e *Engine) handleMessage(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" || isFiller(text) {
		e.metrics.suppressed(e.ctx)
		return
	}
	switch {
	case role == RoleUser && e.mode == agent.ModeListening:
		e.transcript.setLive(RoleUser, text)
		return
	case role == RoleAgent && e.mode == agent.ModeSpeaking:
		e.transcript.setLive(RoleAgent, text)
		return
	}

	switch role {
	case RoleUser:
		if text == e.turn.lastFinalizedUser {
			e.turn.lastFinalizedUser = ""
			e.metrics.suppressed(e.ctx)
			return
		}
		e.consumeLive(RoleUser, text)
		e.finalizeUser(text, "agent")
	case RoleAgent:
		if text == e.turn.lastFinalizedAgent {
			e.turn.lastFinalizedAgent = ""
			e.metrics.suppressed(e.ctx)
			return
		}
		e.consumeLive(RoleAgent, text)
		e.appendFromAgent(text)
	default:
		e.log.Debug("ignoring message with unknown role", slog.String("role", string(role)))
	}
}

// handleModeChange promotes the buffer of the mode being left and opens the
// buffer of the mode being entered.
func (e *Engine) handleModeChange(next agent.Mode) {
	prev := e.mode
	gen := e.gen
	if prev == agent.ModeListening && next != agent.ModeListening {
		e.finalizeLive(RoleUser)
	}
	if prev == agent.ModeSpeaking && next != agent.ModeSpeaking {
		e.finalizeLive(RoleAgent)
	}
	if gen != e.gen {
		// the breaker ended the session while promoting a buffer
		return
	}
	switch next {
	case agent.ModeListening:
		e.transcript.activateLive(RoleUser)
	case agent.ModeSpeaking:
		e.transcript.activateLive(RoleAgent)
	}
	e.mode = next
	if next == agent.ModeListening {
		e.trySpeak()
	}
}

func (e *Engine) finalizeLive(role Role) {
	live := e.transcript.takeLive(role)
	text := strings.TrimSpace(live.Text)
	if text == "" || isFiller(text) {
		return
	}
	if role == RoleUser {
		if e.finalizeUser(text, "live") {
			e.turn.lastFinalizedUser = text
		}
		return
	}
	if e.appendFromAgent(text) {
		e.turn.lastFinalizedAgent = text
	}
}

// consumeLive empties a live buffer that already holds text, so a later
// promotion cannot append it a second time.
func (e *Engine) consumeLive(role Role, text string) {
	live := e.transcript.Live(role)
	if !live.Active || strings.TrimSpace(live.Text) != text {
		return
	}
	e.transcript.takeLive(role)
}

// finalizeUser appends a user utterance and starts a backend turn for it
// unless one is in flight or the same text was the last one dispatched. It
// reports whether the transcript grew.
func (e *Engine) finalizeUser(text, source string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	appended := e.append(textMessage(RoleUser, text))
	e.turn.agentStreak = 0
	switch {
	case e.Sending.Get():
		e.metrics.dropped(e.ctx)
		e.log.Info("backend busy, utterance not dispatched", slog.String("source", source))
	case text == e.turn.lastHandledUser:
		e.log.Debug("utterance already dispatched", slog.String("source", source))
	default:
		e.dispatch(text)
	}
	return appended
}

// appendFromAgent records an agent-originated message and trips the breaker
// when the agent keeps talking without the user.
func (e *Engine) appendFromAgent(text string) bool {
	appended := e.append(textMessage(RoleAgent, text))
	e.turn.agentStreak++
	if e.turn.agentStreak >= e.opts.AgentStreakLimit {
		e.tripBreaker()
	}
	return appended
}

func (e *Engine) tripBreaker() {
	e.log.Warn("agent message streak limit reached, ending session",
		slog.Int("limit", e.opts.AgentStreakLimit))
	e.metrics.breakerTripped(e.ctx)
	e.turn.agentStreak = 0
	e.appendSystem(MsgBreakerTripped)
	if e.agentOpen() {
		if err := e.agent.SendUserMessage(fmt.Sprintf(sayExactlyInstructionF, MsgBreakerTripped)); err != nil {
			e.log.Warn("failed to send breaker notice", slog.String("error", err.Error()))
		}
	}
	e.endSessionAsync()
}

// endSessionAsync tears down from inside the loop. The blocking closes run
// on their own goroutine.
func (e *Engine) endSessionAsync() {
	e.teardown()
	go func() {
		if e.speech != nil {
			e.speech.Disconnect()
		}
		if e.agent != nil {
			if err := e.agent.EndSession(e.ctx); err != nil {
				e.log.Warn("agent session close failed", slog.String("error", err.Error()))
			}
		}
	}()
}

func (e *Engine) dispatch(text string) {
	e.Sending.Set(true)
	e.turn.hasSpokenForTurn = false
	e.turn.pendingSpeak = ""
	e.turn.lastHandledUser = text
	if e.agentOpen() {
		e.sendContextual(suspendInstruction)
	}
	e.metrics.dispatchedTurn(e.ctx)
	gen := e.gen
	go func() {
		reply, err := e.dispatcher.Dispatch(e.ctx, text)
		e.post(func() { e.completeTurn(gen, reply, err) })
	}()
}

func (e *Engine) completeTurn(gen uint64, reply query.Reply, err error) {
	e.Sending.Set(false)
	if gen != e.gen {
		e.log.Debug("discarding reply from an ended session")
		return
	}
	if e.agentOpen() {
		e.sendContextual(releaseInstruction)
	}
	if err != nil {
		e.metrics.failedTurn(e.ctx)
		e.log.Warn("backend turn failed", slog.String("error", err.Error()))
		e.appendSystem(MsgBackendFailed)
		return
	}

	built := cards.BuildAll(e.formatters, reply.Raw)
	spoken := strings.TrimSpace(reply.UserMessage)
	shown := false
	for _, card := range built {
		if prompt := card.Prompt(); prompt != "" {
			e.append(textMessage(RoleAgent, prompt))
			shown = shown || prompt == spoken
		}
		e.append(cardMessage(card))
		if journey, ok := card.(cards.Journey); ok && spoken == "" {
			spoken = journey.Summary()
		}
	}
	if spoken == "" {
		spoken = MsgPleaseWait
	}

	if e.agentOpen() {
		e.queueSpeak(spoken)
		return
	}
	if !shown {
		e.append(textMessage(RoleAgent, spoken))
	}
}

// queueSpeak stores text for the agent to say once this turn.
func (e *Engine) queueSpeak(text string) {
	if e.turn.hasSpokenForTurn {
		e.log.Debug("already spoke for this turn, dropping text")
		return
	}
	e.turn.pendingSpeak = text
	e.trySpeak()
}

func (e *Engine) trySpeak() {
	if e.turn.pendingSpeak == "" || e.turn.hasSpokenForTurn || !e.agentOpen() {
		return
	}
	if e.mode == agent.ModeSpeaking {
		return
	}
	text := e.turn.pendingSpeak
	e.turn.pendingSpeak = ""
	e.turn.hasSpokenForTurn = true
	if err := e.agent.SendUserMessage(fmt.Sprintf(sayExactlyInstructionF, text)); err != nil {
		e.log.Warn("failed to send speak instruction", slog.String("error", err.Error()))
	}
}

func (e *Engine) sendContextual(text string) {
	if err := e.agent.SendContextualUpdate(text); err != nil {
		e.log.Warn("failed to send contextual update", slog.String("error", err.Error()))
	}
}

func (e *Engine) append(m Message) bool {
	if !e.transcript.Append(m) {
		e.metrics.suppressed(e.ctx)
		return false
	}
	e.metrics.appended(e.ctx)
	return true
}

// appendSystem records an engine-generated notice as an agent message. It
// does not count toward the agent streak.
func (e *Engine) appendSystem(text string) {
	e.append(textMessage(RoleAgent, text))
}
