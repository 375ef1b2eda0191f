// Package events records and publishes the audit trail: one event per
// mutating operation, stamped with the correlation context that produced it.
//
// Events are persisted to PostgreSQL for the API's own audit queries and
// fanned out to Kafka for downstream consumers (notification workers,
// analytics). The store is the source of truth; the stream is best-effort.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clubcore-io/clubcore/internal/correlation"
)

var (
	// ErrInvalidEvent is returned when an event is missing required fields.
	ErrInvalidEvent = errors.New("invalid audit event")

	// ErrNilEvent is returned when a nil event is handed to the store or a publisher.
	ErrNilEvent = errors.New("audit event cannot be nil")

	// ErrNoBrokers is returned when a KafkaPublisher is constructed without brokers.
	ErrNoBrokers = errors.New("no kafka brokers configured")
)

// Event is one audit record: who did what to which entity, when, and under
// which correlation context. Payload carries the operation-specific detail
// verbatim; the envelope fields are what audit queries filter on.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Actor         string          `json:"actor"`
	EntityType    string          `json:"entity_type"`              //nolint:tagliatelle
	EntityID      string          `json:"entity_id"`                //nolint:tagliatelle
	CorrelationID string          `json:"correlation_id,omitempty"` //nolint:tagliatelle
	CausationID   string          `json:"causation_id,omitempty"`   //nolint:tagliatelle
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`           //nolint:tagliatelle
	RecordedAt    time.Time       `json:"recorded_at,omitempty"` //nolint:tagliatelle
}

// NewEvent builds an audit event with a fresh identity, stamped with the
// correlation context carried by ctx. OccurredAt is now; RecordedAt is set
// by the store when the event is persisted.
func NewEvent(ctx context.Context, eventType, actor, entityType, entityID string, payload json.RawMessage) *Event {
	event := &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}

	if rc, ok := correlation.FromContext(ctx); ok {
		event.CorrelationID = rc.CorrelationID
		event.CausationID = rc.CausationID
	}

	return event
}

// Validate checks the envelope fields every audit event must carry.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}

	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}

	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("%w: id must be a UUID", ErrInvalidEvent)
	}

	if e.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	}

	if e.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEvent)
	}

	if e.EntityType == "" {
		return fmt.Errorf("%w: entity_type is required", ErrInvalidEvent)
	}

	if e.EntityID == "" {
		return fmt.Errorf("%w: entity_id is required", ErrInvalidEvent)
	}

	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidEvent)
	}

	return nil
}
