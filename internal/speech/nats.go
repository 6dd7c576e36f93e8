package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/bus"
	"github.com/loqalabs/loqa-checkin/internal/protocol"
	"github.com/nats-io/nats.go"
)

// NATSTransport consumes transcripts produced by a speech service on the bus.
// The token is ignored; the bus connection is already authenticated.
type NATSTransport struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger
}

func NewNATSTransport(client *bus.Client, sessionID string, log *slog.Logger) *NATSTransport {
	return &NATSTransport{
		bus:       client,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "speech-nats")),
	}
}

func (t *NATSTransport) Connect(ctx context.Context, _ string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.bus.Healthy() {
		return nil, errors.New("bus not connected")
	}

	c := &natsConnection{bus: t.bus, sessionID: t.sessionID, log: t.log}
	partial, err := bus.Subscribe(t.bus, protocol.SubjectTranscriptPartial, c.onTranscript)
	if err != nil {
		return nil, err
	}
	final, err := bus.Subscribe(t.bus, protocol.SubjectTranscriptFinal, c.onTranscript)
	if err != nil {
		_ = partial.Unsubscribe()
		return nil, err
	}
	c.subs = []*nats.Subscription{partial, final}
	if err := t.bus.Flush(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}
	return c, nil
}

type natsConnection struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger
	subs      []*nats.Subscription

	events    listenerSlot
	closeOnce sync.Once
	startOnce sync.Once
}

func (c *natsConnection) onTranscript(tr protocol.Transcript) {
	if tr.SessionID != c.sessionID {
		return
	}
	if tr.Partial {
		c.events.partial(tr.Text)
		return
	}
	c.events.committed(Committed{Text: tr.Text, Words: tr.Words})
}

func (c *natsConnection) Subscribe(l Listener) func() {
	unsubscribe := c.events.set(l)
	c.startOnce.Do(func() {
		c.events.opened()
		c.events.sessionStarted()
	})
	return unsubscribe
}

func (c *natsConnection) Commit() error {
	return c.bus.PublishJSON(protocol.SubjectTranscriptCommit, protocol.CommitRequest{
		SessionID: c.sessionID,
		Timestamp: time.Now().UTC(),
	})
}

func (c *natsConnection) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		for _, sub := range c.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
		c.events.ended()
	})
	return errors.Join(errs...)
}
