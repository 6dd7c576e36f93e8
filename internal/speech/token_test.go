package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTokenSourceCollapsesConcurrentFetches(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	}))
	defer srv.Close()

	src := NewTokenSource(srv.URL, srv.Client(), time.Minute, 0, newLogger())

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := src.Token(context.Background())
			if err != nil {
				t.Errorf("token: %v", err)
			}
			results[i] = tok
		}(i)
	}
	// Let the callers pile up behind the first request.
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("expected one fetch, got %d", hits.Load())
	}
	for i, tok := range results {
		if tok != "tok-1" {
			t.Fatalf("caller %d got %q", i, tok)
		}
	}

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("cached token: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected cached token to be reused, got %d fetches", hits.Load())
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`"plain-token"`))
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	src := NewTokenSource(srv.URL, srv.Client(), 15*time.Minute, 30*time.Second, newLogger())
	src.clock = func() time.Time { return now }

	if tok, err := src.Token(context.Background()); err != nil || tok != "plain-token" {
		t.Fatalf("unexpected token %q (%v)", tok, err)
	}
	now = now.Add(14 * time.Minute)
	_, _ = src.Token(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("expected cached token inside ttl, got %d fetches", hits.Load())
	}
	now = now.Add(45 * time.Second)
	_, _ = src.Token(context.Background())
	if hits.Load() != 2 {
		t.Fatalf("expected refresh inside margin, got %d fetches", hits.Load())
	}
}

func TestTokenSourceUsesJWTExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": now.Add(2 * time.Minute).Unix(),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"token":"` + signed + `"}`))
	}))
	defer srv.Close()

	src := NewTokenSource(srv.URL, srv.Client(), time.Hour, 0, newLogger())
	src.clock = func() time.Time { return now }
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	now = now.Add(3 * time.Minute)
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exp claim to override ttl, got %d fetches", hits.Load())
	}
}

func TestTokenSourceFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnauthorized)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_, _ = w.Write([]byte(`{"token":""}`))
	}))
	defer srv.Close()

	src := NewTokenSource(srv.URL, srv.Client(), time.Minute, 0, newLogger())
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrTokenFetchFailed) {
		t.Fatalf("expected ErrTokenFetchFailed for 401, got %v", err)
	}
	status.Store(http.StatusOK)
	if _, err := src.Token(context.Background()); !errors.Is(err, ErrTokenFetchFailed) {
		t.Fatalf("expected ErrTokenFetchFailed for empty token, got %v", err)
	}
}
