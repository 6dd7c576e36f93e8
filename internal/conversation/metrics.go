package conversation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type engineMetrics struct {
	dispatched    metric.Int64Counter
	failed        metric.Int64Counter
	droppedTurns  metric.Int64Counter
	appendedMsgs  metric.Int64Counter
	suppressedMsg metric.Int64Counter
	breakerTrips  metric.Int64Counter
}

func newEngineMetrics(meter metric.Meter) (*engineMetrics, error) {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-checkin/conversation")
	}
	m := &engineMetrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.dispatched, "checkin.turns.dispatched", "Backend turns started"},
		{&m.failed, "checkin.turns.failed", "Backend turns that failed"},
		{&m.droppedTurns, "checkin.turns.dropped", "User utterances not dispatched because a turn was in flight"},
		{&m.appendedMsgs, "checkin.messages.appended", "Messages appended to the transcript"},
		{&m.suppressedMsg, "checkin.messages.suppressed", "Messages suppressed as filler or duplicates"},
		{&m.breakerTrips, "checkin.breaker.trips", "Sessions ended by the agent streak limit"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// RegisterTranscriptGauge reports the transcript length on every collection.
func (e *Engine) RegisterTranscriptGauge(meter metric.Meter) error {
	if meter == nil {
		meter = otel.Meter("github.com/loqalabs/loqa-checkin/conversation")
	}
	gauge, err := meter.Int64ObservableGauge("checkin.transcript.messages", metric.WithDescription("Messages in the current transcript"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(e.transcript.Len()))
		return nil
	}, gauge)
	return err
}

func (m *engineMetrics) dispatchedTurn(ctx context.Context) { m.dispatched.Add(ctx, 1) }
func (m *engineMetrics) failedTurn(ctx context.Context)     { m.failed.Add(ctx, 1) }
func (m *engineMetrics) dropped(ctx context.Context)        { m.droppedTurns.Add(ctx, 1) }
func (m *engineMetrics) appended(ctx context.Context)       { m.appendedMsgs.Add(ctx, 1) }
func (m *engineMetrics) suppressed(ctx context.Context)     { m.suppressedMsg.Add(ctx, 1) }
func (m *engineMetrics) breakerTripped(ctx context.Context) { m.breakerTrips.Add(ctx, 1) }
