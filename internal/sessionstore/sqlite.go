package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/config"
	_ "modernc.org/sqlite"
)

// SQLite persists values in a single table partitioned by scope.
type SQLite struct {
	db    *sql.DB
	cfg   config.SessionConfig
	log   *slog.Logger
	clock func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and prunes
// entries older than cfg.RetentionHours.
func OpenSQLite(ctx context.Context, cfg config.SessionConfig, log *slog.Logger) (*SQLite, error) {
	return openSQLite(ctx, cfg, log, time.Now)
}

func openSQLite(ctx context.Context, cfg config.SessionConfig, log *slog.Logger, clock func() time.Time) (*SQLite, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, cfg: cfg, log: log, clock: clock}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS session_values (
    scope TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY(scope, key)
);
CREATE INDEX IF NOT EXISTS idx_session_values_updated ON session_values(updated_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_values WHERE scope = ? AND key = ?`, s.cfg.Scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session value: %w", err)
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_values(scope, key, value, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(scope, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		s.cfg.Scope, key, value, s.clock().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("write session value: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_values WHERE scope = ? AND key = ?`, s.cfg.Scope, key); err != nil {
		return fmt.Errorf("delete session value: %w", err)
	}
	return nil
}

// Prune drops values across all scopes that have not been written within the
// retention window. Zero retention keeps everything.
func (s *SQLite) Prune(ctx context.Context) error {
	if s.cfg.RetentionHours <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_values WHERE updated_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned expired session values", slog.Int64("count", n))
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
