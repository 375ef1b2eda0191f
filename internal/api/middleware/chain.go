package middleware

import (
	"log/slog"
	"net/http"

	"github.com/clubcore-io/clubcore/internal/idempotency"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
	"github.com/clubcore-io/clubcore/internal/storage"
)

type (
	// Option is a function that applies middleware to a handler.
	Option func(http.Handler) http.Handler
)

// Apply applies a chain of middleware options to a base handler.
// Middleware is applied in the order provided (first option wraps handler first).
//
// Example:
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelation(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithServiceAuth(store, logger),
//	    middleware.WithRateLimit(limiter, ratelimit.Standard(), logger),
//	    middleware.WithRequestLogger(logger),
//	    middleware.WithCORS(corsConfig),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	// Apply middleware in reverse order so that the first option
	// becomes the outermost middleware in the chain
	for i := len(options) - 1; i >= 0; i-- {
		handler = options[i](handler)
	}

	return handler
}

// WithCorrelation returns an option that adds correlation context middleware.
func WithCorrelation() Option {
	return func(next http.Handler) http.Handler {
		return Correlate()(next)
	}
}

// WithRecovery returns an option that adds panic recovery middleware.
func WithRecovery(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return Recovery(logger)(next)
	}
}

// WithServiceAuth returns an option that adds service authentication middleware.
// If store is nil, this option is skipped (no middleware applied).
func WithServiceAuth(store storage.ServiceKeyStore, logger *slog.Logger) Option {
	if store == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if store not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return AuthenticateService(store, logger)(next)
	}
}

// WithThrottle returns an option that adds the process-wide throttle.
// If throttle is nil, this option is skipped (no middleware applied).
func WithThrottle(throttle *Throttle, logger *slog.Logger) Option {
	if throttle == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if throttle not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return Throttled(throttle, logger)(next)
	}
}

// WithRateLimit returns an option that adds per-client rate limiting middleware.
// If limiter is nil, this option is skipped (no middleware applied).
func WithRateLimit(limiter *ratelimit.Limiter, fallback ratelimit.Config, logger *slog.Logger) Option {
	if limiter == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if limiter not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return RateLimit(limiter, fallback, logger)(next)
	}
}

// WithIdempotency returns an option that adds idempotent replay middleware.
// If executor is nil, this option is skipped (no middleware applied).
func WithIdempotency(executor *idempotency.Executor, logger *slog.Logger) Option {
	if executor == nil {
		return func(next http.Handler) http.Handler {
			return next // No-op if executor not configured
		}
	}

	return func(next http.Handler) http.Handler {
		return Idempotent(executor, logger)(next)
	}
}

// WithRequestLogger returns an option that adds request logging middleware.
func WithRequestLogger(logger *slog.Logger) Option {
	return func(next http.Handler) http.Handler {
		return RequestLogger(logger)(next)
	}
}

// WithCORS returns an option that adds CORS middleware.
func WithCORS(config CORSConfig) Option {
	return func(next http.Handler) http.Handler {
		return CORS(config)(next)
	}
}
