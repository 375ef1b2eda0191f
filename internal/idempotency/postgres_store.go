package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// Sweep configuration constants.
const (
	// sweepQueryTimeout is the maximum time allowed for a single sweep pass.
	sweepQueryTimeout = 30 * time.Second
	// shutdownTimeout is the maximum time to wait for the sweep goroutine to stop during Close().
	shutdownTimeout = 5 * time.Second
	// sweepBatchSize is the maximum number of rows to delete per batch to avoid long-running locks.
	sweepBatchSize = 10000
	// batchSleepDuration is the sleep time between batches to avoid overwhelming the database.
	batchSleepDuration = 100 * time.Millisecond

	// uniqueViolation is the PostgreSQL error code raised when an insert
	// breaks a unique constraint (the cross-process race signal).
	uniqueViolation = "23505"
)

// PostgresStore implements Store on PostgreSQL for multi-instance deployments.
//
// The UNIQUE constraint on (idempotency_key, owner_id, endpoint) is what
// resolves concurrent first executions across processes: the losing insert
// fails with a unique violation, surfaced as ErrRecordExists so the executor
// can discard its result and replay the winner's record.
type PostgresStore struct {
	conn          *storage.Connection
	logger        *slog.Logger
	sweepInterval time.Duration
	sweepStop     chan struct{} // Signal to stop sweep goroutine
	sweepDone     chan struct{} // Signal sweep has stopped
	closeOnce     sync.Once
}

// NewPostgresStore creates a PostgreSQL-backed idempotency store with
// background expiry sweeping.
//
// The sweep goroutine starts automatically and stops gracefully on Close().
// Returns storage.ErrNoDatabaseConnection when conn is nil.
func NewPostgresStore(conn *storage.Connection, sweepInterval time.Duration) (*PostgresStore, error) {
	if conn == nil {
		return nil, storage.ErrNoDatabaseConnection
	}

	if sweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}

	store := &PostgresStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		sweepInterval: sweepInterval,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	go store.runSweep()

	store.logger.Info("Started idempotency sweep goroutine", slog.Duration("interval", sweepInterval))

	return store, nil
}

// Find returns the live record for the triple, or ErrRecordNotFound when
// none exists. Expired records are filtered by the query itself, so a record
// past retention is invisible even before the sweep deletes it.
func (s *PostgresStore) Find(ctx context.Context, key, ownerID, endpoint string) (*Record, error) {
	query := `
		SELECT idempotency_key, owner_id, endpoint, response_status, response_body, request_id, created_at, expires_at
		FROM idempotency_records
		WHERE idempotency_key = $1 AND owner_id = $2 AND endpoint = $3 AND expires_at > NOW()
	`

	record := &Record{}

	err := s.conn.QueryRowContext(ctx, query, key, ownerID, endpoint).Scan(
		&record.Key,
		&record.OwnerID,
		&record.Endpoint,
		&record.Status,
		&record.Body,
		&record.RequestID,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to find idempotency record: %w", err)
	}

	return record, nil
}

// Insert persists a record for its triple. A concurrent insert for the same
// triple loses to the unique constraint and returns ErrRecordExists.
func (s *PostgresStore) Insert(ctx context.Context, record *Record) error {
	if record == nil {
		return ErrNilRecord
	}

	query := `
		INSERT INTO idempotency_records
			(idempotency_key, owner_id, endpoint, response_status, response_body, request_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.conn.ExecContext(ctx, query,
		record.Key,
		record.OwnerID,
		record.Endpoint,
		record.Status,
		record.Body,
		record.RequestID,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrRecordExists
		}

		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	return nil
}

// HealthCheck verifies the underlying database connection is ready.
// Used by readiness probes and health endpoints.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return storage.ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// Close stops the sweep goroutine gracefully.
// This method is safe to call multiple times.
//
// Note: Does NOT close the database connection, as the connection is managed
// externally via dependency injection. The caller is responsible for closing
// the connection.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)

		select {
		case <-s.sweepDone:
			s.logger.Info("Sweep goroutine stopped gracefully")
		case <-time.After(shutdownTimeout):
			s.logger.Warn("Sweep goroutine did not stop within timeout")
		}
	})

	return nil
}

// runSweep is the background goroutine that periodically deletes expired
// records. Runs on a ticker until the sweepStop channel is closed via Close().
func (s *PostgresStore) runSweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-s.sweepStop:
			cancel()
			s.logger.Info("Stopping idempotency sweep goroutine")

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)
			s.sweepExpiredRecords(sweepCtx)
			sweepCancel()
		}
	}
}

// sweepExpiredRecords deletes expired records in batches.
//
// Deletes up to sweepBatchSize rows per batch to avoid long-running table
// locks, looping until no expired rows remain, with a short sleep between
// batches so request queries can interleave. Oldest expired rows go first.
// Failures are logged but never crash the sweep goroutine.
func (s *PostgresStore) sweepExpiredRecords(ctx context.Context) {
	if s.conn == nil {
		s.logger.Error("Sweep skipped: database connection is nil")

		return
	}

	startTime := time.Now()
	totalDeleted := int64(0)
	batchCount := 0

	for {
		if ctx.Err() != nil {
			s.logger.Info("Sweep cancelled",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)))

			return
		}

		query := `
			DELETE FROM idempotency_records
			WHERE id IN (
				SELECT id
				FROM idempotency_records
				WHERE expires_at < NOW()
				ORDER BY expires_at ASC
				LIMIT $1
			)
		`

		result, err := s.conn.ExecContext(ctx, query, sweepBatchSize)
		if err != nil {
			s.logger.Error("Failed to sweep expired idempotency records",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.String("status", "failed"))

			return
		}

		rowsDeleted, err := result.RowsAffected()
		if err != nil {
			s.logger.Warn("Sweep batch completed but row count unavailable",
				slog.String("error", err.Error()),
				slog.Int64("rows_deleted_before_error", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)),
				slog.String("status", "success"))

			return
		}

		totalDeleted += rowsDeleted
		batchCount++

		if rowsDeleted < sweepBatchSize {
			break
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Sweep cancelled between batches",
				slog.Int64("rows_deleted", totalDeleted),
				slog.Int("batches_completed", batchCount),
				slog.Duration("duration", time.Since(startTime)))

			return
		case <-time.After(batchSleepDuration):
		}
	}

	duration := time.Since(startTime)

	if totalDeleted == 0 {
		s.logger.Debug("Sweep completed - no expired idempotency records found",
			slog.Int64("rows_deleted", 0),
			slog.Int("batches_completed", batchCount),
			slog.Duration("duration", duration),
			slog.String("status", "success"))
	} else {
		s.logger.Info("Swept expired idempotency records",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches_completed", batchCount),
			slog.Duration("duration", duration),
			slog.String("status", "success"))
	}
}

// Compile-time interface compliance check
var _ Store = (*PostgresStore)(nil)
