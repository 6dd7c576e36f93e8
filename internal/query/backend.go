package query

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/config"
)

// NewBackend builds the backend selected by cfg.Mode.
func NewBackend(cfg config.BackendConfig) (Backend, error) {
	switch cfg.Mode {
	case "http":
		client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
		return NewHTTPBackend(cfg.Endpoint, cfg.Flow, client), nil
	case "exec":
		b, err := NewExecBackend(cfg.Command, cfg.Flow)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "mock", "":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q", cfg.Mode)
	}
}
