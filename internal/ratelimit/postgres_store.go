package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

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

	// staleRowHorizon is how long a window row may go untouched before the
	// sweep deletes it. Windows are measured in seconds, so an hour of
	// silence means the window lapsed long ago; the row would be reset on
	// the client's next request anyway.
	staleRowHorizon = time.Hour
)

// PostgresStore implements WindowStore on PostgreSQL for multi-instance
// deployments.
//
// The whole read-reset-or-increment runs as one INSERT ... ON CONFLICT
// DO UPDATE statement, so concurrent requests for the same client across
// processes serialize on the row and every request observes a distinct
// count. There is no check-then-write anywhere for a race to slip through.
type PostgresStore struct {
	conn          *storage.Connection
	logger        *slog.Logger
	sweepInterval time.Duration
	sweepStop     chan struct{} // Signal to stop sweep goroutine
	sweepDone     chan struct{} // Signal sweep has stopped
	closeOnce     sync.Once
}

// NewPostgresStore creates a PostgreSQL-backed window store with background
// sweeping of stale rows.
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

	store.logger.Info("Started rate limit sweep goroutine", slog.Duration("interval", sweepInterval))

	return store, nil
}

// Increment upserts the key's window row in a single statement. A row whose
// window lapsed (window_start at or before now-window) is reset to a fresh
// window; a live row counts up. Returns the row's window start and count
// after this request.
func (s *PostgresStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (time.Time, int, error) {
	query := `
		INSERT INTO rate_limit_windows (client_key, window_start, request_count, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (client_key) DO UPDATE SET
			request_count = CASE
				WHEN rate_limit_windows.window_start <= $3 THEN 1
				ELSE rate_limit_windows.request_count + 1
			END,
			window_start = CASE
				WHEN rate_limit_windows.window_start <= $3 THEN EXCLUDED.window_start
				ELSE rate_limit_windows.window_start
			END,
			updated_at = EXCLUDED.updated_at
		RETURNING window_start, request_count
	`

	cutoff := now.Add(-window)

	var (
		windowStart time.Time
		count       int
	)

	err := s.conn.QueryRowContext(ctx, query, key, now, cutoff).Scan(&windowStart, &count)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	return windowStart, count, nil
}

// Peek reads the key's window row without touching it. Rows whose window
// has lapsed report as absent; the next Increment resets them in place.
func (s *PostgresStore) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (time.Time, int, bool, error) {
	query := `
		SELECT window_start, request_count
		FROM rate_limit_windows
		WHERE client_key = $1 AND window_start > $2
	`

	var (
		windowStart time.Time
		count       int
	)

	err := s.conn.QueryRowContext(ctx, query, key, now.Add(-window)).Scan(&windowStart, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, false, nil
	}

	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("failed to read rate limit window: %w", err)
	}

	return windowStart, count, true, nil
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

// runSweep is the background goroutine that periodically deletes stale
// window rows. Runs on a ticker until the sweepStop channel is closed via
// Close().
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
			s.logger.Info("Stopping rate limit sweep goroutine")

			return
		case <-ticker.C:
			sweepCtx, sweepCancel := context.WithTimeout(ctx, sweepQueryTimeout)
			s.sweepStaleRows(sweepCtx)
			sweepCancel()
		}
	}
}

// sweepStaleRows deletes rows untouched for longer than staleRowHorizon.
//
// Deletes in batches to avoid long-running table locks, looping until no
// stale rows remain, with a short sleep between batches so request upserts
// can interleave. Failures are logged but never crash the sweep goroutine.
func (s *PostgresStore) sweepStaleRows(ctx context.Context) {
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
			DELETE FROM rate_limit_windows
			WHERE client_key IN (
				SELECT client_key
				FROM rate_limit_windows
				WHERE updated_at < $1
				ORDER BY updated_at ASC
				LIMIT $2
			)
		`

		staleCutoff := time.Now().Add(-staleRowHorizon)

		result, err := s.conn.ExecContext(ctx, query, staleCutoff, sweepBatchSize)
		if err != nil {
			s.logger.Error("Failed to sweep stale rate limit windows",
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
		s.logger.Debug("Sweep completed - no stale rate limit windows found",
			slog.Int64("rows_deleted", 0),
			slog.Int("batches_completed", batchCount),
			slog.Duration("duration", duration),
			slog.String("status", "success"))
	} else {
		s.logger.Info("Swept stale rate limit windows",
			slog.Int64("rows_deleted", totalDeleted),
			slog.Int("batches_completed", batchCount),
			slog.Duration("duration", duration),
			slog.String("status", "success"))
	}
}

// Compile-time interface compliance check
var _ WindowStore = (*PostgresStore)(nil)
