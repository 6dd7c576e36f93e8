package conversation

import (
	"github.com/loqalabs/loqa-checkin/internal/observable"
)

// Appended describes a single append, for observers that mirror the
// transcript elsewhere.
type Appended struct {
	Index   int
	Message Message
}

// Transcript is the canonical message list plus the live buffers. Only the
// engine loop writes to it; reads are safe from any goroutine.
type Transcript struct {
	messages  *observable.Value[[]Message]
	appended  *observable.Value[Appended]
	liveUser  *observable.Value[Live]
	liveAgent *observable.Value[Live]
}

func NewTranscript() *Transcript {
	return &Transcript{
		messages:  observable.NewValue[[]Message](nil),
		appended:  observable.NewValue(Appended{Index: -1}),
		liveUser:  observable.NewComparable(Live{}),
		liveAgent: observable.NewComparable(Live{}),
	}
}

// Append adds m unless it is a text message identical in role and text to
// the last entry. Card messages are always appended.
func (t *Transcript) Append(m Message) bool {
	current := t.messages.Get()
	if m.Type == TypeText && len(current) > 0 {
		last := current[len(current)-1]
		if last.Type == TypeText && last.Role == m.Role && last.Text == m.Text {
			return false
		}
	}
	next := make([]Message, len(current), len(current)+1)
	copy(next, current)
	next = append(next, m)
	t.messages.Set(next)
	t.appended.Set(Appended{Index: len(next) - 1, Message: m})
	return true
}

func (t *Transcript) Messages() []Message {
	current := t.messages.Get()
	out := make([]Message, len(current))
	copy(out, current)
	return out
}

func (t *Transcript) Len() int {
	return len(t.messages.Get())
}

// Reset empties the transcript and clears both live buffers.
func (t *Transcript) Reset() {
	t.messages.Set(nil)
	t.liveUser.Set(Live{})
	t.liveAgent.Set(Live{})
}

func (t *Transcript) live(role Role) *observable.Value[Live] {
	if role == RoleUser {
		return t.liveUser
	}
	return t.liveAgent
}

func (t *Transcript) Live(role Role) Live {
	return t.live(role).Get()
}

func (t *Transcript) setLive(role Role, text string) {
	t.live(role).Set(Live{Text: text, Active: true})
}

func (t *Transcript) activateLive(role Role) {
	if !t.live(role).Get().Active {
		t.live(role).Set(Live{Active: true})
	}
}

// takeLive clears the buffer and returns what it held.
func (t *Transcript) takeLive(role Role) Live {
	cell := t.live(role)
	prev := cell.Get()
	cell.Set(Live{})
	return prev
}

func (t *Transcript) SubscribeMessages(fn func([]Message)) func() {
	return t.messages.Subscribe(fn)
}

func (t *Transcript) SubscribeAppended(fn func(Appended)) func() {
	return t.appended.Subscribe(fn)
}

func (t *Transcript) SubscribeLive(role Role, fn func(Live)) func() {
	return t.live(role).Subscribe(fn)
}
