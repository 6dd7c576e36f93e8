package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-checkin/internal/agent"
	"github.com/loqalabs/loqa-checkin/internal/bus"
	"github.com/loqalabs/loqa-checkin/internal/cards"
	"github.com/loqalabs/loqa-checkin/internal/config"
	"github.com/loqalabs/loqa-checkin/internal/conversation"
	"github.com/loqalabs/loqa-checkin/internal/natsserver"
	"github.com/loqalabs/loqa-checkin/internal/permission"
	"github.com/loqalabs/loqa-checkin/internal/protocol"
	"github.com/loqalabs/loqa-checkin/internal/query"
	"github.com/loqalabs/loqa-checkin/internal/sessionstore"
	"github.com/loqalabs/loqa-checkin/internal/speech"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	perm           permission.Checker
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	services *Services
}

// Services are the wired components behind the control surface.
type Services struct {
	Engine *conversation.Engine
	Speech *speech.Adapter
	Bus    *bus.Client

	embedded     *natsserver.EmbeddedServer
	store        sessionstore.Store
	cancelBridge func()
	log          *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		perm:   permission.Allow,
	}
}

// Start runs until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	services, err := StartServices(ctx, r.cfg, r.perm, r.logger)
	if err != nil {
		r.closeTelemetry(context.Background())
		return fmt.Errorf("failed to start services: %w", err)
	}
	r.services = services

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := r.services.Close(shutdownCtx); err != nil {
		r.logger.Error("service shutdown error", slog.String("error", err.Error()))
	}
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.telemetryClose == nil {
		return
	}
	if err := r.telemetryClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// StartServices wires the bus, session store, backend, adapters and engine
// from cfg and starts the engine.
func StartServices(ctx context.Context, cfg config.Config, perm permission.Checker, logger *slog.Logger) (*Services, error) {
	s := &Services{log: logger.With(slog.String("component", "services"))}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close(context.Background())
		}
	}()

	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return nil, err
		}
		s.embedded = embedded
		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return nil, err
		}
		s.Bus = client
	}

	store, err := sessionstore.Open(ctx, cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s.store = store

	backend, err := query.NewBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	session, err := query.LoadSession(ctx, store, cfg.Session.StorageKey, query.UUID, logger)
	if err != nil {
		return nil, err
	}
	dispatcher := query.NewClient(backend, session, time.Duration(cfg.Backend.TimeoutMS)*time.Millisecond, logger)

	deps := conversation.Deps{
		Dispatcher: dispatcher,
		Formatters: cards.Default(),
		Logger:     logger,
	}
	if cfg.Speech.Enabled {
		adapter, err := speech.FromConfig(cfg.Speech, s.Bus, perm, logger)
		if err != nil {
			return nil, err
		}
		s.Speech = adapter
		deps.Speech = adapter
	}
	if cfg.Agent.Enabled {
		deps.Agent = agent.FromConfig(cfg.Agent, perm, logger)
	}

	engine, err := conversation.NewEngine(ctx, conversation.OptionsFromConfig(cfg), deps)
	if err != nil {
		return nil, err
	}
	if err := engine.RegisterTranscriptGauge(nil); err != nil {
		s.log.Warn("failed to register transcript gauge", slog.String("error", err.Error()))
	}
	engine.Start()
	s.Engine = engine

	if s.Bus != nil {
		s.cancelBridge = bridgeTranscript(engine, s.Bus, s.log)
	}
	ok = true
	return s, nil
}

// bridgeTranscript mirrors every appended message onto the bus.
func bridgeTranscript(engine *conversation.Engine, client *bus.Client, log *slog.Logger) func() {
	return engine.SubscribeAppended(func(a conversation.Appended) {
		msg := protocol.ConversationMessage{
			Index:     a.Index,
			Role:      string(a.Message.Role),
			Type:      string(a.Message.Type),
			Text:      a.Message.Text,
			Timestamp: time.Now().UTC(),
		}
		if a.Message.Data != nil {
			msg.Data = a.Message.Data
		}
		if err := client.PublishJSON(protocol.SubjectConversationMessage, msg); err != nil {
			log.Warn("failed to publish conversation message", slog.String("error", err.Error()))
		}
	})
}

// Close stops the engine and releases everything StartServices opened.
func (s *Services) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.cancelBridge != nil {
		s.cancelBridge()
	}
	if s.Engine != nil {
		if err := s.Engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Bus != nil {
		s.Bus.Close()
	}
	s.embedded.Shutdown()
	return errors.Join(errs...)
}
