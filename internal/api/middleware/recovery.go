package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics in HTTP handlers.
// When a panic occurs, it logs the error with a stack trace and returns
// an RFC 7807 compliant 500 Internal Server Error response.
//
// A panic escaping a handler means the request produced no outcome at all;
// downstream caches never see it, so a retry re-executes the work.
//
// This middleware should be first in the chain after correlation to catch
// panics from all other middleware and handlers.
//
// Example usage:
//
//	logger := slog.Default()
//	recoveryMiddleware := middleware.Recovery(logger)
//	handler = recoveryMiddleware(handler)
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(r.Context())

					// Log the panic with full stack trace
					logger.Error("Panic recovered in HTTP handler",
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
						slog.String("correlation_id", correlationID),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("remote_addr", r.RemoteAddr),
					)

					// Return RFC 7807 compliant error response
					problem := struct {
						Type          string `json:"type"`
						Title         string `json:"title"`
						Status        int    `json:"status"`
						Detail        string `json:"detail"`
						Instance      string `json:"instance"`
						CorrelationID string `json:"correlationId"`
					}{
						Type:          "https://clubcore.io/problems/500",
						Title:         "Internal Server Error",
						Status:        http.StatusInternalServerError,
						Detail:        "An unexpected error occurred while processing the request",
						Instance:      r.URL.Path,
						CorrelationID: correlationID,
					}

					w.Header().Set("Content-Type", "application/problem+json")
					w.WriteHeader(http.StatusInternalServerError)

					if encodeErr := json.NewEncoder(w).Encode(problem); encodeErr != nil {
						logger.Error("Failed to encode panic error response",
							slog.Any("error", encodeErr),
							slog.String("correlation_id", correlationID),
						)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
