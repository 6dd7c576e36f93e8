package speech

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/bus"
	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/permission"
)

// FromConfig builds an adapter for the configured transport.
func FromConfig(cfg config.SpeechConfig, client *bus.Client, perm permission.Checker, log *slog.Logger) (*Adapter, error) {
	settle := time.Duration(cfg.SettleDelayMS) * time.Millisecond
	switch cfg.Transport {
	case "websocket":
		tokens := NewTokenSource(cfg.TokenURL,
			&http.Client{Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond},
			time.Duration(cfg.TokenTTLSeconds)*time.Second,
			time.Duration(cfg.TokenRefreshMarginMS)*time.Millisecond,
			log)
		transport := NewWebsocketTransport(cfg.Endpoint, cfg.ModelID, time.Duration(cfg.ConnectTimeoutMS)*time.Millisecond, log)
		return NewAdapter(transport, tokens, perm, settle, log), nil
	case "nats":
		if client == nil {
			return nil, errors.New("speech transport nats requires a bus connection")
		}
		return NewAdapter(NewNATSTransport(client, cfg.SessionID, log), nil, perm, settle, log), nil
	default:
		return nil, fmt.Errorf("unknown speech transport %q", cfg.Transport)
	}
}
