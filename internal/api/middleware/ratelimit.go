package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clubcore-io/clubcore/internal/ratelimit"
)

// routeScopes maps route patterns to the rate limit scope enforced on them.
// Patterns match the mux registration form "METHOD /path" or a bare "/path"
// that covers every method.
//
// Routes with no registered scope fall back to the middleware's default
// scope, so adding a route without thinking about rate limits yields the
// standard tier rather than no tier.
var routeScopes = map[string]ratelimit.Config{} //nolint: gochecknoglobals

// RegisterRouteScope assigns a rate limit scope to a route pattern.
// This should only be called during route setup.
//
// Example:
//
//	middleware.RegisterRouteScope("POST /api/v1/audit/events", ratelimit.Standard())
//	middleware.RegisterRouteScope("/api/v1/exports", ratelimit.Sensitive())
func RegisterRouteScope(pattern string, cfg ratelimit.Config) {
	routeScopes[pattern] = cfg
}

// scopeForRequest resolves the rate limit scope for a request.
// Method-specific patterns win over bare paths; unregistered routes get
// the fallback scope.
func scopeForRequest(r *http.Request, fallback ratelimit.Config) ratelimit.Config {
	if cfg, ok := routeScopes[r.Method+" "+r.URL.Path]; ok {
		return cfg
	}

	if cfg, ok := routeScopes[r.URL.Path]; ok {
		return cfg
	}

	return fallback
}

// RateLimit returns a middleware that enforces per-client fixed-window
// rate limits.
//
// The client identity is derived from forwarding headers via
// ratelimit.ClientID; unidentifiable clients share the "unknown" bucket.
// The scope comes from the route's registration (RegisterRouteScope) with
// the given fallback for unregistered routes.
//
// Every response carries X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset headers so well-behaved clients can pace themselves.
// When a request exceeds its scope, the middleware returns a 429
// (Too Many Requests) with RFC 7807 error format, a Retry-After header,
// and retryAfterSeconds in the problem document.
//
// Public endpoints (health probes) bypass rate limiting entirely.
//
// A limiter error means the scope config is invalid; the middleware logs
// it and lets the request through, consistent with the limiter's own
// fail-open stance on store failures.
//
// The middleware must be placed after authentication in the chain so
// denied responses still carry the request's correlation ID.
func RateLimit(
	limiter *ratelimit.Limiter,
	fallback ratelimit.Config,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health probes bypass rate limiting
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			cfg := scopeForRequest(r, fallback)
			clientID := ratelimit.ClientID(r)

			decision, err := limiter.Check(r.Context(), clientID, cfg)
			if err != nil {
				// Invalid scope config is an operator error, not the
				// client's problem. Fail open.
				logger.Error("Rate limit check failed, allowing request",
					slog.String("scope", cfg.Name),
					slog.String("client_id", clientID),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("error", err.Error()),
				)

				next.ServeHTTP(w, r)

				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				correlationID := GetCorrelationID(r.Context())
				retryAfter := decision.RetryAfterSeconds()

				logger.Warn("Rate limit exceeded",
					slog.String("scope", cfg.Name),
					slog.String("client_id", clientID),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int64("retry_after_seconds", retryAfter),
					slog.String("correlation_id", correlationID),
				)

				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))

				detail := "Rate limit exceeded. Please retry after some time."
				extras := map[string]any{
					"scope":             cfg.Name,
					"retryAfterSeconds": retryAfter,
				}

				if err := writeProblem(w, r, http.StatusTooManyRequests, detail, correlationID, extras); err != nil {
					logger.Error("failed to write response with RFC 7807 error format",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("detail", detail),
						slog.String("error", err.Error()),
					)

					// Fallback to plain text if writeProblem fails
					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
