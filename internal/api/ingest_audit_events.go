package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clubcore-io/clubcore/internal/api/middleware"
	"github.com/clubcore-io/clubcore/internal/correlation"
	"github.com/clubcore-io/clubcore/internal/events"
)

// handleAuditEvents handles audit event ingestion.
// POST /api/v1/audit/events - Ingest single or batch audit events
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Content Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or empty event array
//   - 422 Unprocessable Entity: All events fail validation or storage
//
// Success responses:
//   - 200 OK: All events stored
//   - 207 Multi-Status: Partial success (some stored, some failed)
func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.auditStore == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit storage is not configured"))

		return
	}

	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	// Parse and validate request
	batch, problem := s.parseAuditRequest(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	// Validate, store and publish each event
	validationErrors, storeErrors := s.processAuditEvents(r.Context(), batch)

	// Build response
	response := s.buildAuditResponse(correlationID, batch, validationErrors, storeErrors)

	// Send response (returns status code for logging)
	statusCode := s.sendAuditResponse(w, r, response)

	// Log success with duration
	duration := time.Since(startTime)
	s.logger.Info("Audit events processed",
		slog.String("correlation_id", response.CorrelationID),
		slog.String("status", response.Status),
		slog.Int("received", response.Summary.Received),
		slog.Int("stored", response.Summary.Stored),
		slog.Int("failed", response.Summary.Failed),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", duration),
	)
}

// parseAuditRequest parses and validates the HTTP request body.
// Returns the decoded batch or a ProblemDetail if parsing fails.
//
// Validates:
//   - Request size (optimization for known oversized requests)
//   - Empty body check (better UX than JSON decode error)
//   - JSON parsing
//   - Empty array check
func (s *Server) parseAuditRequest(r *http.Request) ([]AuditEvent, *ProblemDetail) {
	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	var batch []AuditEvent

	decoder := json.NewDecoder(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err := decoder.Decode(&batch); err != nil {
		return nil, BadRequest("Invalid JSON: " + err.Error())
	}

	// Empty request check
	if len(batch) == 0 {
		return nil, BadRequest("Event array cannot be empty")
	}

	return batch, nil
}

// processAuditEvents validates, stores and publishes each event in the batch.
//
// Returns two sparse arrays aligned with the batch: validationErrors[i] is
// non-nil when event i failed validation (never attempted against storage),
// storeErrors[i] is non-nil when a valid event failed to persist. Publishing
// is best-effort: a broker failure is logged and never fails the event.
func (s *Server) processAuditEvents(ctx context.Context, batch []AuditEvent) ([]error, []error) {
	validationErrors := make([]error, len(batch))
	storeErrors := make([]error, len(batch))

	rc, hasCorrelation := correlation.FromContext(ctx)

	for i := range batch {
		// Each stored event is its own operation in the request chain:
		// shared correlation ID, fresh causation ID.
		eventCtx := ctx
		if hasCorrelation {
			eventCtx = correlation.WithContext(ctx, rc.Child())
		}

		event := mapAuditRequest(eventCtx, &batch[i])

		if err := event.Validate(); err != nil {
			validationErrors[i] = err

			continue
		}

		if err := s.auditStore.Insert(eventCtx, event); err != nil {
			storeErrors[i] = err

			continue
		}

		// Best-effort fan-out; the store copy is already durable
		if err := s.publisher.Publish(eventCtx, event); err != nil {
			s.logger.Warn("Audit event publish failed",
				slog.String("correlation_id", event.CorrelationID),
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return validationErrors, storeErrors
}

// mapAuditRequest maps an API request type to the domain model.
// This explicit mapping layer decouples the API contract from internal domain types.
//
// The mapping performs:
//   - Whitespace trimming on string fields
//   - OccurredAt override when the caller reports when the action happened
//
// Validation is delegated to the domain layer (events.Event.Validate).
func mapAuditRequest(ctx context.Context, req *AuditEvent) *events.Event {
	event := events.NewEvent(
		ctx,
		strings.TrimSpace(req.Type),
		strings.TrimSpace(req.Actor),
		strings.TrimSpace(req.EntityType),
		strings.TrimSpace(req.EntityID),
		req.Payload,
	)

	// Callers report when the action happened; ingestion time is what
	// RecordedAt is for.
	if !req.OccurredAt.IsZero() {
		event.OccurredAt = req.OccurredAt.UTC()
	}

	return event
}

// buildAuditResponse builds the batch ingestion response.
// Only failed events are included in the response, not successful ones.
//
// Classifies errors as retriable vs non-retriable:
//   - Non-retriable: Validation errors, missing required fields
//   - Retriable: Storage errors (transient failures)
func (s *Server) buildAuditResponse(
	correlationID string,
	batch []AuditEvent,
	validationErrors []error,
	storeErrors []error,
) *AuditResponse {
	failedEvents := make([]FailedEvent, 0)
	stored, failed := 0, 0

	for i := range batch {
		// Check validation error first
		if validationErrors[i] != nil {
			reason := validationErrors[i].Error()
			failedEvents = append(failedEvents, FailedEvent{
				Index:     i,
				Reason:    reason,
				Retriable: false, // Validation errors are permanent (bad request)
			})
			failed++

			s.logger.Warn("Audit event validation failed",
				slog.String("correlation_id", correlationID),
				slog.Int("event_index", i),
				slog.String("reason", reason),
			)

			continue
		}

		// Check storage error
		if storeErrors[i] != nil {
			reason := storeErrors[i].Error()
			failedEvents = append(failedEvents, FailedEvent{
				Index:     i,
				Reason:    reason,
				Retriable: true, // Storage errors are transient (event can be retried)
			})
			failed++

			s.logger.Error("Audit event storage failed",
				slog.String("correlation_id", correlationID),
				slog.Int("event_index", i),
				slog.String("reason", reason),
			)

			continue
		}

		stored++
	}

	// Determine overall status
	status := "success"
	if failed > 0 && stored == 0 {
		status = "error" // All failed
	}

	return &AuditResponse{
		Status: status,
		Summary: AuditSummary{
			Received: len(batch),
			Stored:   stored,
			Failed:   failed,
		},
		FailedEvents:  failedEvents,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// determineAuditStatusCode determines the HTTP status code for a batch response.
//
// Status code logic:
//   - 200 OK: All events stored
//   - 207 Multi-Status: Partial success (some stored, some failed)
//   - 422 Unprocessable Entity: All events failed
func determineAuditStatusCode(response *AuditResponse) int {
	if response.Summary.Failed == 0 {
		// All stored
		return http.StatusOK
	} else if response.Summary.Stored > 0 {
		// Partial success
		response.Status = "partial_success"

		return http.StatusMultiStatus
	}

	// All failed
	return http.StatusUnprocessableEntity
}

// sendAuditResponse marshals and sends the audit response to the client.
// Returns the HTTP status code for logging purposes.
//
// The response parameter should be pre-built using buildAuditResponse().
// This function focuses solely on HTTP transmission: marshaling, setting headers, and writing the response.
func (s *Server) sendAuditResponse(
	w http.ResponseWriter,
	r *http.Request,
	response *AuditResponse,
) int {
	// Determine status code
	statusCode := determineAuditStatusCode(response)

	// Marshal response (fail fast before headers)
	data, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal audit response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return http.StatusInternalServerError
	}

	// Write headers and response body
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write audit response",
			slog.String("correlation_id", response.CorrelationID),
			slog.String("error", err.Error()),
		)

		return statusCode
	}

	return statusCode
}
