package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/bus"
	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestEmbeddedServerRoundTrip(t *testing.T) {
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	got := make(chan protocol.Transcript, 1)
	if _, err := bus.Subscribe(client, protocol.SubjectTranscriptFinal, func(tr protocol.Transcript) {
		got <- tr
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case tr := <-got:
		if tr.Text != "hello" || tr.SessionID != "s1" {
			t.Fatalf("unexpected transcript %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when embedded disabled, got %v %v", srv, err)
	}
	srv.Shutdown()
}
