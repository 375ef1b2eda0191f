package middleware

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// Throttle provides a process-wide request throttle backed by a token bucket.
//
// Unlike the per-client rate limiter, the throttle does not distinguish
// callers: it bounds the total request rate the instance accepts so a
// traffic spike from any mix of clients cannot exhaust the node. Requests
// denied by the throttle receive a 429 with Retry-After: 1, since token
// buckets refill continuously and a one-second backoff is always enough
// to make progress.
//
// Suitable for single-node deployments. Distributed deployments should
// size RPS per instance and rely on the shared-store rate limiter for
// cross-node fairness.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a process-wide throttle from config.
//
// Burst capacity is computed automatically as 2 × rate unless overridden
// in config.
//
// Example:
//
//	throttle := NewThrottle(&ThrottleConfig{RPS: 100})
func NewThrottle(config *ThrottleConfig) *Throttle {
	burst := computeBurstCapacity(config.RPS, config.Burst)

	return &Throttle{
		limiter: rate.NewLimiter(rate.Limit(config.RPS), burst),
	}
}

// computeBurstCapacity computes the burst capacity based on the rate and optional override.
//
// If burstOverride is 0, computes burst automatically as 2 × rate.
// If burstOverride > 0, uses the override value.
//
// Example:
//
//	computeBurstCapacity(100, 0)   // Returns 200 (auto-computed)
//	computeBurstCapacity(100, 500) // Returns 500 (use override)
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow reports whether a request may proceed, consuming a token if so.
func (t *Throttle) Allow() bool {
	return t.limiter.Allow()
}

// Throttled returns a middleware that enforces the process-wide throttle.
//
// Public endpoints (health probes) bypass the throttle so orchestrators
// never see a 429 from a busy but healthy instance.
//
// When a request exceeds the throttle, the middleware returns a 429
// (Too Many Requests) response with RFC 7807 error format and a
// Retry-After header.
func Throttled(throttle *Throttle, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health probes bypass the throttle
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			if !throttle.Allow() {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Request throttled",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				w.Header().Set("Retry-After", "1")

				detail := "Server is at capacity. Please retry after some time."
				if err := writeProblem(w, r, http.StatusTooManyRequests, detail, correlationID, nil); err != nil {
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
