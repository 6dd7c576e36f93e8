package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/conversation"
	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/speech"
)

const maxAudioBytes = 1 << 20

// Handler returns the control surface for the running services.
func (r *Runtime) Handler() http.Handler {
	return newHandler(r.services, r.metricsHandler, r.ready.Load, r.logger)
}

type api struct {
	services *Services
	ready    func() bool
	log      *slog.Logger
}

func newHandler(services *Services, metrics http.Handler, ready func() bool, logger *slog.Logger) http.Handler {
	a := &api{services: services, ready: ready, log: logger.With(slog.String("component", "http"))}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /v1/conversation", a.handleSnapshot)
	mux.HandleFunc("POST /v1/conversation/messages", a.handleMessage)
	mux.HandleFunc("POST /v1/session/start", a.engineAction(func(ctx context.Context, e *conversation.Engine) error { return e.StartSession(ctx) }))
	mux.HandleFunc("POST /v1/session/end", a.engineAction(func(ctx context.Context, e *conversation.Engine) error { return e.EndSession(ctx) }))
	mux.HandleFunc("POST /v1/session/clear", a.engineAction(func(ctx context.Context, e *conversation.Engine) error { return e.ClearSession(ctx) }))
	mux.HandleFunc("POST /v1/voice/start", a.engineAction(func(ctx context.Context, e *conversation.Engine) error { return e.StartVoice(ctx) }))
	mux.HandleFunc("POST /v1/voice/end", a.engineAction(func(ctx context.Context, e *conversation.Engine) error { return e.EndVoice(ctx) }))
	mux.HandleFunc("POST /v1/voice/audio", a.handleAudio)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if a.services != nil && a.services.Engine != nil && !a.services.Engine.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("engine stopped"))
		return
	}
	if a.services != nil && a.services.Bus != nil && !a.services.Bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.services.Engine.Snapshot()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "text is required"})
		return
	}
	if err := a.services.Engine.SendUserText(r.Context(), req.Text); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *api) engineAction(fn func(context.Context, *conversation.Engine) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		if err := fn(ctx, a.services.Engine); err != nil {
			a.writeError(w, err)
			return
		}
		snap, err := a.services.Engine.Snapshot()
		if err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (a *api) handleAudio(w http.ResponseWriter, r *http.Request) {
	if a.services.Speech == nil {
		a.writeError(w, conversation.ErrVoiceUnavailable)
		return
	}
	pcm, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "failed to read audio"})
		return
	}
	if len(pcm) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "audio body is empty"})
		return
	}
	if err := a.services.Speech.SendAudio(pcm); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, conversation.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, conversation.ErrVoiceUnavailable):
		status = http.StatusNotImplemented
	case errors.Is(err, speech.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, permission.ErrDenied):
		status = http.StatusForbidden
	case errors.Is(err, conversation.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
