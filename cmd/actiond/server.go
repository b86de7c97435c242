package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/strophon/actionserver/pkg/action"
	"github.com/strophon/actionserver/pkg/actions"
	"github.com/strophon/actionserver/pkg/config"
	"github.com/strophon/actionserver/pkg/dispatch"
	"github.com/strophon/actionserver/pkg/events"
	"github.com/strophon/actionserver/pkg/executor"
	"github.com/strophon/actionserver/pkg/login"
	"github.com/strophon/actionserver/pkg/observability"
	"github.com/strophon/actionserver/pkg/random"
	"github.com/strophon/actionserver/pkg/session"
	"github.com/strophon/actionserver/pkg/store"
	"github.com/strophon/actionserver/pkg/transport"
)

// version is set at build time.
var version = "dev"

// server is the wired process: one bus, the components serving it, and the
// HTTP surface clients connect through.
type server struct {
	cfg        *config.Config
	logger     *slog.Logger
	telemetry  *observability.Provider
	db         *store.SQLStore
	sessions   session.Store
	bus        *transport.Bus
	dispatcher *dispatch.Dispatcher
	handshake  *login.Handshake
	router     *events.Router
	handler    http.Handler
	detach     []func()
}

func openSessions(cfg *config.Config) session.Store {
	if cfg.RedisAddr == "" {
		return session.NewMemoryStore(cfg.IPErrorThreshold)
	}
	return session.NewRedisStore(session.RedisOptions{
		Addr:             cfg.RedisAddr,
		Password:         cfg.RedisPassword,
		DB:               cfg.RedisDB,
		IPErrorThreshold: cfg.IPErrorThreshold,
	})
}

func buildRegistry(cfg *config.Config) (*action.Registry, error) {
	var f *config.TypesFile
	if cfg.ActionTypesFile != "" {
		var err error
		if f, err = config.LoadTypesFile(cfg.ActionTypesFile); err != nil {
			return nil, err
		}
	}
	_, reg, err := config.BuildRegistry(f, actions.Catalog())
	return reg, err
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	telemetry, err := observability.New(ctx, observability.Config{
		ServiceName:    "actiond",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	s.telemetry = telemetry

	db, err := store.OpenSQL(ctx, store.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	s.db = db
	s.sessions = openSessions(cfg)

	registry, err := buildRegistry(cfg)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	logger.InfoContext(ctx, "action types loaded", "allowed", registry.Allowed())

	metrics := telemetry.Metrics()
	s.bus = transport.NewBus(cfg.AckTimeout)
	exec := executor.New(registry,
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
		executor.WithRandomAlgorithm(random.Algorithm(cfg.RandomAlgorithm)),
		executor.WithSeedSize(cfg.TokenSize),
	)
	s.router = events.NewRouter(s.bus, s.sessions, db,
		events.WithLogger(logger),
		events.WithMetrics(metrics),
	)
	s.handshake = login.New(s.sessions, db, s.bus, s.router, login.UserSnapshot,
		login.WithLogger(logger),
		login.WithTokenSize(cfg.TokenSize),
	)
	s.dispatcher = dispatch.New(exec, s.sessions, db, s.router,
		dispatch.WithLogger(logger),
		dispatch.WithTelemetry(telemetry),
		dispatch.WithTokenSize(cfg.TokenSize),
		dispatch.WithMaxConcurrent(int64(cfg.MaxConcurrentActions)),
		dispatch.WithRateLimit(cfg.ActionRatePerSec, cfg.ActionBurst),
	)
	s.detach = append(s.detach,
		s.router.Register(s.bus),
		s.handshake.Register(s.bus),
		s.dispatcher.Register(s.bus),
	)

	hub := transport.NewWebSocketHub(s.bus, transport.QuerySessionResolver, logger,
		transport.AddressAction, transport.AddressLoginConfirm)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	s.handler = mux
	return s, nil
}

// Close detaches bus handlers, waits for in-flight publishes and releases
// backing stores.
func (s *server) Close(ctx context.Context) error {
	for _, fn := range s.detach {
		fn()
	}
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
	var errs []error
	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, s.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("actiond listening", "addr", cfg.Addr, "database", cfg.DatabaseDriver)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return s.Close(shutdownCtx)
}
