package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/clubcore-io/clubcore/internal/idempotency"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
)

// Idempotency headers.
const (
	// IdempotencyKeyHeader carries the client-supplied idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"

	// ReplayedHeader is "true" on responses served from the idempotency
	// cache instead of a fresh execution.
	ReplayedHeader = "Idempotency-Replayed"

	// OriginalTimestampHeader carries the completion time of the first
	// execution on replayed responses (RFC 3339, UTC).
	OriginalTimestampHeader = "Idempotency-Original-Timestamp"

	// RequestIDHeader carries the per-call request ID. Every call gets a
	// fresh ID, cache hit or not.
	RequestIDHeader = "X-Request-ID"
)

// mutatingMethods are the HTTP methods guarded by idempotency keys.
// Safe methods pass through untouched even when a key is present.
var mutatingMethods = map[string]bool{ //nolint: gochecknoglobals
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// responseRecorder captures a handler's response so its status and body can
// be persisted for replay. Headers the handler sets are absorbed here and
// not forwarded: a replayed response can only reproduce what the record
// stores (status and body), so fresh executions emit the same surface.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

// Header implements http.ResponseWriter.
func (rec *responseRecorder) Header() http.Header {
	return rec.header
}

// Write implements http.ResponseWriter.
func (rec *responseRecorder) Write(b []byte) (int, error) {
	return rec.body.Write(b)
}

// WriteHeader implements http.ResponseWriter.
func (rec *responseRecorder) WriteHeader(code int) {
	rec.status = code
}

// ownerID resolves who the idempotency key belongs to. Authenticated
// requests scope keys to the calling service; anything else falls back to
// the forwarded client identity, so two tenants reusing the same key never
// collide.
func ownerID(r *http.Request) string {
	if serviceCtx, ok := GetServiceContext(r.Context()); ok {
		return serviceCtx.ServiceID
	}

	return ratelimit.ClientID(r)
}

// Idempotent returns a middleware that guards mutating requests with
// idempotency keys.
//
// Requests without an Idempotency-Key header, with a non-mutating method,
// or against public endpoints pass through untouched. For everything else
// the downstream handler runs through the executor: the first execution's
// status and body are persisted, and subsequent requests bearing the same
// (key, owner, endpoint) triple get the stored response back without the
// handler running again.
//
// Every guarded response carries X-Request-ID. Replayed responses
// additionally carry Idempotency-Replayed: true and
// Idempotency-Original-Timestamp with the first execution's completion
// time.
//
// Malformed keys are rejected with a 400 before any handler or store work.
// A handler panic escapes this middleware uncached, so Recovery answers
// the request and a client retry re-executes the work.
//
// The middleware must be placed after authentication in the chain so keys
// are scoped to the authenticated service.
func Idempotent(executor *idempotency.Executor, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] || !mutatingMethods[r.Method] {
				next.ServeHTTP(w, r)

				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)

				return
			}

			owner := ownerID(r)
			endpoint := r.Method + " " + r.URL.Path
			correlationID := GetCorrelationID(r.Context())

			outcome, err := executor.Execute(
				r.Context(), key, owner, endpoint,
				func(ctx context.Context) (*idempotency.Result, error) {
					rec := newResponseRecorder()
					next.ServeHTTP(rec, r.WithContext(ctx))

					return &idempotency.Result{Status: rec.status, Body: rec.body.Bytes()}, nil
				},
			)
			if err != nil {
				var validationErr *idempotency.ValidationError
				if errors.As(err, &validationErr) {
					logger.Warn("Rejected malformed idempotency key",
						slog.String("reason", validationErr.Reason),
						slog.String("owner_id", owner),
						slog.String("endpoint", endpoint),
						slog.String("correlation_id", correlationID),
					)

					writeIdempotencyProblem(w, r, http.StatusBadRequest, validationErr.Error(), correlationID, logger)

					return
				}

				logger.Error("Idempotent execution failed",
					slog.String("owner_id", owner),
					slog.String("endpoint", endpoint),
					slog.String("correlation_id", correlationID),
					slog.String("error", err.Error()),
				)

				detail := "An unexpected error occurred while processing the request"
				writeIdempotencyProblem(w, r, http.StatusInternalServerError, detail, correlationID, logger)

				return
			}

			w.Header().Set(RequestIDHeader, outcome.RequestID)

			if outcome.Cached {
				w.Header().Set(ReplayedHeader, "true")
				w.Header().Set(OriginalTimestampHeader, outcome.OriginalTimestamp.UTC().Format(time.RFC3339))

				logger.Info("Idempotent replay served",
					slog.String("owner_id", owner),
					slog.String("endpoint", endpoint),
					slog.Int("status_code", outcome.Status),
					slog.Time("original_timestamp", outcome.OriginalTimestamp),
					slog.String("correlation_id", correlationID),
				)
			}

			if len(outcome.Body) > 0 {
				// The record stores status and body only, so the content
				// type is derived from the status on fresh and replayed
				// responses alike.
				contentType := "application/json"
				if outcome.Status >= http.StatusBadRequest {
					contentType = "application/problem+json"
				}

				w.Header().Set("Content-Type", contentType)
			}

			w.WriteHeader(outcome.Status)

			if _, err := w.Write(outcome.Body); err != nil {
				logger.Error("Failed to write idempotent response",
					slog.String("correlation_id", correlationID),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}

// writeIdempotencyProblem writes an RFC 7807 error with a plain-text
// fallback, mirroring the other middleware error paths.
func writeIdempotencyProblem(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail, correlationID string,
	logger *slog.Logger,
) {
	if err := writeProblem(w, r, statusCode, detail, correlationID, nil); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("detail", detail),
			slog.String("error", err.Error()),
		)

		http.Error(w, detail, statusCode)
	}
}
