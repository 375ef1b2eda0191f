// Package api provides HTTP API server implementation for the Clubcore service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/events"
	"github.com/clubcore-io/clubcore/internal/idempotency"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// AuditStore is the persistence surface the audit endpoints require.
// *events.Store satisfies it; tests substitute an in-memory fake.
type AuditStore interface {
	Insert(ctx context.Context, event *events.Event) error
	ListRecent(ctx context.Context, limit int) ([]events.Event, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]events.Event, error)
	HealthCheck(ctx context.Context) error
}

// scopeSet holds the resolved rate limit tiers after policy overrides.
type scopeSet struct {
	strict    ratelimit.Config
	standard  ratelimit.Config
	sensitive ratelimit.Config
}

// Dependencies carries the runtime collaborators injected into the server.
//
// Every field is optional: a nil field disables the corresponding middleware
// or endpoint rather than failing construction, so the server can run with
// whatever subset the deployment provides (in-memory dev, full postgres+kafka
// production). Closers are closed in order during graceful shutdown.
type Dependencies struct {
	KeyStore   storage.ServiceKeyStore
	Limiter    *ratelimit.Limiter
	Throttle   *middleware.Throttle
	Executor   *idempotency.Executor
	AuditStore AuditStore
	Publisher  events.Publisher
	Closers    []io.Closer
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	keyStore   storage.ServiceKeyStore
	limiter    *ratelimit.Limiter
	executor   *idempotency.Executor
	auditStore AuditStore
	publisher  events.Publisher
	scopes     scopeSet
	closers    []io.Closer
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	// Create structured logger with configured log level
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}

	// Create base HTTP mux
	mux := http.NewServeMux()

	// Create server instance for route setup
	server := &Server{
		logger:     logger,
		config:     cfg,
		keyStore:   deps.KeyStore,
		limiter:    deps.Limiter,
		executor:   deps.Executor,
		auditStore: deps.AuditStore,
		publisher:  deps.Publisher,
		scopes:     resolveScopes(logger),
		closers:    deps.Closers,
	}

	// Set up all API routes
	server.setupRoutes(mux)

	// Log middleware configuration
	if deps.KeyStore != nil { // pragma: allowlist secret
		logger.Info("Service authentication middleware enabled")
	} else {
		logger.Warn("ServiceKeyStore not configured - service authentication middleware disabled")
	}

	if deps.Throttle != nil {
		logger.Info("Global throttle middleware enabled")
	} else {
		logger.Warn("Throttle not configured - global throttle middleware disabled")
	}

	if deps.Limiter != nil {
		logger.Info("Rate limiting middleware enabled",
			slog.Int("strict_limit", server.scopes.strict.Limit),
			slog.Int("standard_limit", server.scopes.standard.Limit),
			slog.Int("sensitive_limit", server.scopes.sensitive.Limit),
		)
	} else {
		logger.Warn("Limiter not configured - rate limiting middleware disabled")
	}

	if deps.Executor != nil {
		logger.Info("Idempotency middleware enabled")
	} else {
		logger.Warn("Executor not configured - idempotency middleware disabled")
	}

	if deps.AuditStore != nil {
		logger.Info("Audit event store configured")
	} else {
		logger.Warn("AuditStore not configured - audit endpoints disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. Correlation - establish correlation context for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. CORS - answer preflight before auth so OPTIONS carries no key
	//   4. Service Auth - identify caller and set ServiceContext (optional)
	//   5. Throttle - process-wide admission ceiling (optional)
	//   6. RateLimit - per-client fixed windows (optional)
	//   7. Idempotency - replay cached outcomes for retried mutations (optional)
	//   8. RequestLogger - log only requests that passed admission
	handler := middleware.Apply(mux,
		middleware.WithCorrelation(),
		middleware.WithRecovery(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
		middleware.WithServiceAuth(deps.KeyStore, logger),
		middleware.WithThrottle(deps.Throttle, logger),
		middleware.WithRateLimit(deps.Limiter, server.scopes.standard, logger),
		middleware.WithIdempotency(deps.Executor, logger),
		middleware.WithRequestLogger(logger),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Set the httpServer field for the existing server instance
	server.httpServer = httpServer

	return server
}

// resolveScopes loads the preset rate limit tiers and applies any
// .clubcore.yaml overrides. A broken policy file downgrades to presets
// with a warning rather than refusing to start.
func resolveScopes(logger *slog.Logger) scopeSet {
	scopes := scopeSet{
		strict:    ratelimit.Strict(),
		standard:  ratelimit.Standard(),
		sensitive: ratelimit.Sensitive(),
	}

	policy, err := ratelimit.LoadPolicyFromEnv()
	if err != nil {
		logger.Warn("Rate limit policy load failed, using preset limits",
			slog.String("error", err.Error()),
		)

		return scopes
	}

	scopes.strict = policy.Apply(scopes.strict)
	scopes.standard = policy.Apply(scopes.standard)
	scopes.sensitive = policy.Apply(scopes.sensitive)

	return scopes
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	// Start server in a goroutine
	go func() {
		s.logger.Info("Starting Clubcore API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	// Attempt graceful shutdown of HTTP server
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Close injected dependencies in order: stores, limiter, executor,
	// publisher, then the shared database connection last.
	if len(s.closers) > 0 {
		s.logger.Info("Closing server dependencies", slog.Int("count", len(s.closers)))
	}

	for _, closer := range s.closers {
		if closer == nil {
			continue
		}

		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to close dependency",
				slog.String("dependency", fmt.Sprintf("%T", closer)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
