package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-checkin/internal/sessionstore"
)

// IDGenerator produces fresh session identifiers.
type IDGenerator func() string

// UUID generates random v4 identifiers.
func UUID() string { return uuid.NewString() }

// Session owns the backend session identifier and mirrors it into a store.
type Session struct {
	mu    sync.RWMutex
	id    string
	key   string
	store sessionstore.Store
	newID IDGenerator
	log   *slog.Logger
}

// LoadSession restores the identifier stored under key, generating and
// persisting a new one when none exists.
func LoadSession(ctx context.Context, store sessionstore.Store, key string, newID IDGenerator, log *slog.Logger) (*Session, error) {
	if newID == nil {
		newID = UUID
	}
	s := &Session{key: key, store: store, newID: newID, log: log}

	id, err := store.Get(ctx, key)
	switch {
	case err == nil && id != "":
		s.id = id
		return s, nil
	case err != nil && !errors.Is(err, sessionstore.ErrNotFound):
		return nil, fmt.Errorf("load session id: %w", err)
	}

	s.id = newID()
	if err := store.Set(ctx, key, s.id); err != nil {
		return nil, fmt.Errorf("persist session id: %w", err)
	}
	return s, nil
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Adopt switches to an identifier assigned by the backend.
func (s *Session) Adopt(ctx context.Context, id string) error {
	s.mu.Lock()
	if id == "" || id == s.id {
		s.mu.Unlock()
		return nil
	}
	s.id = id
	s.mu.Unlock()
	return s.store.Set(ctx, s.key, id)
}

// Reset forgets the current identifier and starts a new one.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear session id: %w", err)
	}
	next := s.newID()
	s.mu.Lock()
	s.id = next
	s.mu.Unlock()
	if err := s.store.Set(ctx, s.key, next); err != nil {
		return fmt.Errorf("persist session id: %w", err)
	}
	s.log.Debug("session id reset", slog.String("session_id", next))
	return nil
}
