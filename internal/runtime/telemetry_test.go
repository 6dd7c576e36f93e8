package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/query"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestTelemetryBucketsBackendLatency(t *testing.T) {
	shutdown, handler, err := setupTelemetry(config.Default(), newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	if handler == nil {
		t.Fatal("expected a prometheus handler")
	}

	hist, err := otel.Meter("telemetry-test").Float64Histogram(query.DurationMetric, metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(context.Background(), 0.3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	if !strings.Contains(out, "checkin_backend_duration") {
		t.Fatalf("expected backend latency series, got:\n%s", out)
	}
	for _, le := range []string{`le="0.25"`, `le="0.5"`, `le="30"`} {
		if !strings.Contains(out, le) {
			t.Fatalf("expected bucket %s, got:\n%s", le, out)
		}
	}
}
