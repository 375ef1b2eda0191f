// Package middleware provides HTTP middleware components for the Clubcore API.
package middleware

import (
	"context"
	"net/http"

	"github.com/clubcore-io/clubcore/internal/correlation"
)

// Correlate creates a middleware that roots a correlation context for each
// request.
//
// The correlation ID is adopted from the first well-formed inbound
// X-Correlation-ID / X-Request-ID header, or freshly generated when neither
// is usable; the causation ID is always fresh. Both are echoed as response
// headers so callers can chain follow-up requests under the same correlation
// ID and quote the IDs when reporting problems.
func Correlate() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := correlation.NewRoot(r.Header, "")

			// Set outbound headers before the handler runs so they survive
			// early WriteHeader calls downstream.
			w.Header().Set(correlation.CorrelationHeader, rc.CorrelationID)
			w.Header().Set(correlation.CausationHeader, rc.CausationID)

			ctx := correlation.WithContext(r.Context(), rc)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCorrelationID extracts the correlation ID from the request context.
// Returns "unknown" when the request never passed through Correlate, so log
// lines and error responses always carry a value.
func GetCorrelationID(ctx context.Context) string {
	if rc, ok := correlation.FromContext(ctx); ok {
		return rc.CorrelationID
	}

	return "unknown"
}
