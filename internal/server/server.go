// Package server assembles the update hub: database, stores, registry,
// download coordinator, websocket hub, and the HTTP listener, tied together
// with a start/stop lifecycle.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/txn2/update-hub/pkg/analytics"
	analyticspg "github.com/txn2/update-hub/pkg/analytics/postgres"
	"github.com/txn2/update-hub/pkg/api"
	"github.com/txn2/update-hub/pkg/auth"
	"github.com/txn2/update-hub/pkg/blob"
	"github.com/txn2/update-hub/pkg/database/migrate"
	"github.com/txn2/update-hub/pkg/download"
	downloadpg "github.com/txn2/update-hub/pkg/download/postgres"
	"github.com/txn2/update-hub/pkg/health"
	"github.com/txn2/update-hub/pkg/hub"
	hubpg "github.com/txn2/update-hub/pkg/hub/postgres"
	"github.com/txn2/update-hub/pkg/pack"
	"github.com/txn2/update-hub/pkg/platform"
	ratelimitpg "github.com/txn2/update-hub/pkg/ratelimit/postgres"
	"github.com/txn2/update-hub/pkg/version"
	versionpg "github.com/txn2/update-hub/pkg/version/postgres"
)

// Version is set at build time.
var Version = "dev"

// Server is the assembled update hub.
type Server struct {
	cfg       *platform.Config
	logger    *slog.Logger
	db        *sql.DB
	checker   *health.Checker
	lifecycle *platform.Lifecycle
	hub       *hub.Hub
	httpSrv   *http.Server
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg platform.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// New wires every component from the configuration. Nothing is started;
// call Run to bring the hub up.
func New(cfg *platform.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = NewLogger(cfg.Logging)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	blobs, err := blob.NewFilesystemStore(cfg.Storage.Dir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening package storage: %w", err)
	}

	lc := platform.NewLifecycle()

	versionStore := versionpg.New(db, logger)
	registry := version.NewRegistry(versionStore, blobs,
		pack.New(cfg.Packages.Validation()), logger)

	limiter := ratelimitpg.New(db, cfg.RateLimits)

	var recorder analytics.Recorder
	if cfg.Analytics.Enabled {
		store := analyticspg.New(db, analyticspg.Config{
			RetentionDays: cfg.Analytics.RetentionDays,
		})
		lc.OnStart(func(context.Context) error {
			store.StartCleanupRoutine(cfg.Analytics.CleanupInterval)
			return nil
		})
		lc.RegisterCloser(store)
		recorder = store
	} else {
		recorder = analytics.NewSlogRecorder(logger)
	}

	sessions := downloadpg.New(db)
	coordinator := download.NewCoordinator(registry, sessions, blobs, limiter, recorder, logger)
	lc.OnStart(func(context.Context) error {
		coordinator.StartSweepRoutine(cfg.Download.SweepInterval, cfg.Download.StaleAfter)
		return nil
	})
	lc.RegisterCloser(coordinator)

	// An empty auth section runs the hub open; the API skips role checks
	// and the websocket handshake skips credentials.
	var gate *auth.Gate
	if cfg.Auth.JWTSecret != "" || len(cfg.Auth.APIKeys) > 0 {
		gate = auth.NewGate(cfg.Auth)
	}

	var hubSessions hub.SessionStore
	if cfg.Sessions.Persist {
		store := hubpg.New(db, logger)
		lc.OnStart(func(context.Context) error {
			store.StartCleanupRoutine(cfg.Sessions.CleanupInterval, cfg.Sessions.RetainFor)
			return nil
		})
		lc.RegisterCloser(store)
		hubSessions = store
	} else {
		store := hub.NewMemorySessionStore()
		lc.OnStart(func(context.Context) error {
			store.StartCleanupRoutine(cfg.Sessions.CleanupInterval, cfg.Sessions.RetainFor, logger)
			return nil
		})
		lc.RegisterCloser(store)
		hubSessions = store
	}

	h := hub.New(cfg.Hub, hubSessions, limiter, gate, logger)
	registry.SetActivationListener(h)
	lc.OnStart(func(context.Context) error {
		h.StartRoutines()
		return nil
	})

	checker := health.NewChecker(db)

	apiHandler := api.NewHandler(api.Config{
		Registry:       registry,
		Coordinator:    coordinator,
		Hub:            h,
		Limiter:        limiter,
		Snapshots:      limiter,
		Recorder:       recorder,
		Gate:           gate,
		Logger:         logger,
		MaxUploadBytes: cfg.Packages.MaxPackageBytes,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.HandleFunc("GET /ws", h.HandleWS)
	mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", checker.ReadinessHandler())

	return &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		checker:   checker,
		lifecycle: lc,
		hub:       h,
		httpSrv: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      mux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}, nil
}

// Run brings the hub up and blocks until ctx is canceled or the listener
// fails. Shutdown drains in-flight requests before stopping components.
func (s *Server) Run(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	if err := migrate.Run(s.db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	if err := s.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("starting components: %w", err)
	}
	s.checker.SetReady()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("update hub listening",
			"address", s.httpSrv.Addr, "version", Version)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
		return s.shutdown(context.Background())
	}
}

func (s *Server) shutdown(ctx context.Context) error {
	s.checker.SetDraining()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down listener: %w", err))
	}
	if err := s.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing hub: %w", err))
	}
	if err := s.lifecycle.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping components: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}

	s.logger.Info("update hub stopped")
	return errors.Join(errs...)
}
