package query

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// DurationMetric is the histogram of backend call latency in seconds.
const DurationMetric = "checkin.backend.duration"

// Client binds a Backend to a Session.
type Client struct {
	backend Backend
	session *Session
	timeout time.Duration
	tracer  trace.Tracer
	latency metric.Float64Histogram
	log     *slog.Logger
}

func NewClient(backend Backend, session *Session, timeout time.Duration, log *slog.Logger) *Client {
	log = log.With(slog.String("component", "query"))
	latency, err := otel.Meter("github.com/loqalabs/loqa-checkin/internal/query").Float64Histogram(DurationMetric,
		metric.WithDescription("Backend call latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("failed to create latency histogram", slog.String("error", err.Error()))
		latency, _ = noop.NewMeterProvider().Meter("query").Float64Histogram(DurationMetric)
	}
	return &Client{
		backend: backend,
		session: session,
		timeout: timeout,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-checkin/internal/query"),
		latency: latency,
		log:     log,
	}
}

func (c *Client) Dispatch(ctx context.Context, text string) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	sessionID := c.session.ID()
	ctx, span := c.tracer.Start(ctx, "query.dispatch", trace.WithAttributes(
		attribute.String("checkin.session_id", sessionID),
		attribute.Int("checkin.text_length", len(text)),
	))
	defer span.End()

	start := time.Now()
	reply, err := c.backend.Call(ctx, Request{Text: text, SessionID: sessionID})
	c.latency.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend call failed")
		c.log.Warn("backend call failed", slog.String("error", err.Error()), slog.Duration("latency", time.Since(start)))
		return Reply{}, err
	}

	if reply.SessionID != "" && reply.SessionID != sessionID {
		if err := c.session.Adopt(ctx, reply.SessionID); err != nil {
			c.log.Warn("failed to persist backend session id", slog.String("error", err.Error()))
		}
		span.SetAttributes(attribute.String("checkin.adopted_session_id", reply.SessionID))
	}
	c.log.Debug("backend reply received",
		slog.Duration("latency", time.Since(start)),
		slog.Bool("has_text", reply.UserMessage != ""))
	return reply, nil
}

func (c *Client) SessionID() string {
	return c.session.ID()
}

func (c *Client) ResetSession(ctx context.Context) error {
	return c.session.Reset(ctx)
}
