package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// Listing bounds for recent-event queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store persists audit events to PostgreSQL. It is the durable side of the
// trail; the Kafka publisher is the best-effort side.
type Store struct {
	conn   *storage.Connection
	logger *slog.Logger
}

// NewStore creates a PostgreSQL-backed audit event store.
// Returns storage.ErrNoDatabaseConnection when conn is nil.
func NewStore(conn *storage.Connection) (*Store, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	return &Store{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Insert persists one event and stamps its RecordedAt from the database
// clock, so ordering in audit queries does not depend on API host clocks.
func (s *Store) Insert(ctx context.Context, event *Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO audit_events
			(id, event_type, actor, entity_type, entity_id, correlation_id, causation_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING recorded_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		event.ID,
		event.Type,
		event.Actor,
		event.EntityType,
		event.EntityID,
		nullableString(event.CorrelationID),
		nullableString(event.CausationID),
		nullableBytes(event.Payload),
		event.OccurredAt,
	).Scan(&event.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// ListRecent returns the most recently recorded events, newest first. A
// non-positive limit falls back to DefaultListLimit; anything above
// MaxListLimit is clamped.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT id, event_type, actor, entity_type, entity_id,
			COALESCE(correlation_id, ''), COALESCE(causation_id, ''),
			COALESCE(payload, 'null'::jsonb), occurred_at, recorded_at
		FROM audit_events
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0, limit)

	for rows.Next() {
		var (
			event   Event
			payload []byte
		)

		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Actor,
			&event.EntityType,
			&event.EntityID,
			&event.CorrelationID,
			&event.CausationID,
			&payload,
			&event.OccurredAt,
			&event.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if string(payload) != "null" {
			event.Payload = payload
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}

	return events, nil
}

// ListByCorrelationID returns every event recorded under one correlation
// ID, oldest first, reconstructing the causal chain of a request.
func (s *Store) ListByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	query := `
		SELECT id, event_type, actor, entity_type, entity_id,
			COALESCE(correlation_id, ''), COALESCE(causation_id, ''),
			COALESCE(payload, 'null'::jsonb), occurred_at, recorded_at
		FROM audit_events
		WHERE correlation_id = $1
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events by correlation id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event

	for rows.Next() {
		var (
			event   Event
			payload []byte
		)

		err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Actor,
			&event.EntityType,
			&event.EntityID,
			&event.CorrelationID,
			&event.CausationID,
			&payload,
			&event.OccurredAt,
			&event.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if string(payload) != "null" {
			event.Payload = payload
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the underlying database connection is ready.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return storage.ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// nullableString maps empty strings to SQL NULL so optional envelope fields
// stay NULL in the table instead of becoming empty strings.
func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

// nullableBytes maps empty payloads to SQL NULL.
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}

	return b
}
