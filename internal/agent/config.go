package agent

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/permission"
)

// FromConfig builds a session backed by the websocket transport.
func FromConfig(cfg config.AgentConfig, perm permission.Checker, log *slog.Logger) *Session {
	transport := NewWebsocketTransport(cfg.Endpoint,
		time.Duration(cfg.HandshakeTimeoutMS)*time.Millisecond,
		time.Duration(cfg.SpeakingHangoverMS)*time.Millisecond,
		log)
	return NewSession(transport, cfg.AgentID, perm, log)
}
