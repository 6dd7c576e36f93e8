package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrTokenFetchFailed wraps every failure to obtain a transport access token.
var ErrTokenFetchFailed = errors.New("speech token fetch failed")

// TokenProvider hands out access tokens for the realtime transport.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenSource fetches short-lived tokens from a token endpoint and caches
// them until shortly before expiry. Concurrent callers share one fetch.
type TokenSource struct {
	url    string
	client *http.Client
	ttl    time.Duration
	margin time.Duration
	clock  func() time.Time
	log    *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(url string, client *http.Client, ttl, margin time.Duration, log *slog.Logger) *TokenSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenSource{
		url:    url,
		client: client,
		ttl:    ttl,
		margin: margin,
		clock:  time.Now,
		log:    log.With(slog.String("component", "speech-token")),
	}
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		// The fetch outlives any single caller so late joiners still get a result.
		return s.fetch(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTokenFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expires = time.Time{}
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", false
	}
	if !s.clock().Add(s.margin).Before(s.expires) {
		return "", false
	}
	return s.token, true
}

func (s *TokenSource) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrTokenFetchFailed, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrTokenFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrTokenFetchFailed, resp.StatusCode)
	}

	token := decodeToken(body)
	if token == "" {
		return "", fmt.Errorf("%w: empty token in response", ErrTokenFetchFailed)
	}

	now := s.clock()
	expires := now.Add(s.ttl)
	if exp, ok := jwtExpiry(token); ok {
		expires = exp
	}

	s.mu.Lock()
	s.token = token
	s.expires = expires
	s.mu.Unlock()

	s.log.Debug("speech token refreshed", slog.Time("expires", expires))
	return token, nil
}

// decodeToken accepts a JSON string, a {"token": "..."} object or bare text.
func decodeToken(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	var s string
	if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return strings.TrimSpace(obj.Token)
	}
	if strings.ContainsAny(trimmed, "{}[]\" \n") {
		return ""
	}
	return trimmed
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected to schedule a refresh.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
