package conversation

import (
	"testing"

	"github.com/loqalabs/loqa-checkin/internal/cards"
)

func TestAppendDropsAdjacentDuplicates(t *testing.T) {
	tr := NewTranscript()
	seq := []Message{
		textMessage(RoleUser, "hi"),
		textMessage(RoleUser, "hi"),
		textMessage(RoleAgent, "hi"),
		textMessage(RoleUser, "hi"),
	}
	var appended int
	for _, m := range seq {
		if tr.Append(m) {
			appended++
		}
	}
	if appended != 3 || tr.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d (%v)", tr.Len(), tr.Messages())
	}
}

func TestAppendKeepsRepeatedCards(t *testing.T) {
	tr := NewTranscript()
	card := cards.Journey{Origin: "GVA", Destination: "AMS"}
	tr.Append(cardMessage(card))
	tr.Append(cardMessage(card))
	if tr.Len() != 2 {
		t.Fatalf("cards must never be deduplicated, got %d", tr.Len())
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	tr := NewTranscript()
	tr.Append(textMessage(RoleUser, "a"))
	got := tr.Messages()
	got[0].Text = "mutated"
	if tr.Messages()[0].Text != "a" {
		t.Fatal("callers must not be able to mutate the transcript")
	}
}

func TestSubscribersSeeAppendsAndResets(t *testing.T) {
	tr := NewTranscript()
	var seen []Appended
	cancel := tr.SubscribeAppended(func(a Appended) { seen = append(seen, a) })
	var lengths []int
	tr.SubscribeMessages(func(ms []Message) { lengths = append(lengths, len(ms)) })

	tr.Append(textMessage(RoleUser, "a"))
	tr.Append(textMessage(RoleAgent, "b"))
	tr.Append(textMessage(RoleAgent, "b"))
	tr.Reset()
	cancel()
	tr.Append(textMessage(RoleUser, "c"))

	if len(seen) != 2 || seen[1].Index != 1 || seen[1].Message.Text != "b" {
		t.Fatalf("unexpected append notifications %+v", seen)
	}
	want := []int{1, 2, 0, 1}
	if len(lengths) != len(want) {
		t.Fatalf("unexpected length notifications %v", lengths)
	}
	for i := range want {
		if lengths[i] != want[i] {
			t.Fatalf("unexpected length notifications %v", lengths)
		}
	}
}

func TestLiveBuffers(t *testing.T) {
	tr := NewTranscript()
	tr.activateLive(RoleUser)
	if got := tr.Live(RoleUser); !got.Active || got.Text != "" {
		t.Fatalf("expected active empty buffer, got %+v", got)
	}
	tr.setLive(RoleUser, "hello")
	tr.activateLive(RoleUser)
	if got := tr.Live(RoleUser).Text; got != "hello" {
		t.Fatalf("activating an active buffer must keep its text, got %q", got)
	}
	if got := tr.takeLive(RoleUser); got.Text != "hello" {
		t.Fatalf("unexpected taken buffer %+v", got)
	}
	if tr.Live(RoleUser).Active || tr.Live(RoleAgent).Active {
		t.Fatal("buffers should be inactive")
	}
}

func TestIsFiller(t *testing.T) {
	for _, text := range []string{"", ".", "...", "…", ".…."} {
		if !isFiller(text) {
			t.Fatalf("%q should be filler", text)
		}
	}
	if isFiller("ok.") {
		t.Fatal("words are not filler")
	}
}
