package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/ratelimit"
)

// handleRateLimitStatus reports the calling client's standing in every rate
// limit scope.
// GET /api/v1/ratelimit/status
//
// The check uses Limiter.Status, which peeks at window counters without
// consuming quota, so services can poll their own limits as often as they
// like. Scopes the client has never touched report a fresh window.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.limiter == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Rate limiting is not configured"))

		return
	}

	clientID := ratelimit.ClientID(r)
	configs := []ratelimit.Config{s.scopes.strict, s.scopes.standard, s.scopes.sensitive}
	scopes := make([]ScopeStatus, 0, len(configs))

	for _, cfg := range configs {
		decision, err := s.limiter.Status(r.Context(), clientID, cfg)
		if err != nil {
			s.logger.Error("Rate limit status check failed",
				slog.String("correlation_id", correlationID),
				slog.String("scope", cfg.Name),
				slog.String("error", err.Error()),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read rate limit status"))

			return
		}

		status := ScopeStatus{
			Scope:     cfg.Name,
			Limit:     decision.Limit,
			Remaining: decision.Remaining,
			ResetAt:   decision.ResetAt.UTC().Format(time.RFC3339),
		}

		if !decision.Allowed {
			status.RetryAfterSeconds = decision.RetryAfterSeconds()
		}

		scopes = append(scopes, status)
	}

	response := RateLimitStatusResponse{
		ClientID:      clientID,
		Scopes:        scopes,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal rate limit status response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write rate limit status response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
