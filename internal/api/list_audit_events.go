package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/events"
)

// handleListAuditEvents handles audit trail queries.
// GET /api/v1/audit/events - List recent audit events
//
// Query parameters:
//   - correlationId: return every event recorded under one correlation ID,
//     oldest first (reconstructs the causal chain of a request)
//   - limit: maximum number of recent events to return (default 50, max 500);
//     ignored when correlationId is set
func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.auditStore == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit storage is not configured"))

		return
	}

	// Zero means "store default" (50); the store also clamps the ceiling (500)
	limit := 0

	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a positive integer"))

			return
		}

		limit = parsed
	}

	var (
		list []events.Event
		err  error
	)

	if filterID := r.URL.Query().Get("correlationId"); filterID != "" {
		list, err = s.auditStore.ListByCorrelationID(r.Context(), filterID)
	} else {
		list, err = s.auditStore.ListRecent(r.Context(), limit)
	}

	if err != nil {
		s.logger.Error("Failed to list audit events",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list audit events"))

		return
	}

	// Normalize nil to an empty array in the response body
	if list == nil {
		list = []events.Event{}
	}

	response := AuditListResponse{
		Events:        list,
		Count:         len(list),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal audit list response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write audit list response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
