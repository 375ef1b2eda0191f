package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	// postgresDriver is the database/sql driver name registered by lib/pq.
	postgresDriver = "postgres"

	// healthCheckTimeout bounds the connectivity probe performed by HealthCheck.
	healthCheckTimeout = 5 * time.Second
)

var (
	// ErrNoDatabaseConnection is returned when an operation requires a database
	// connection but none was configured.
	ErrNoDatabaseConnection = errors.New("database connection is nil")

	// ErrStorageConfigNil is returned when a nil configuration is supplied.
	ErrStorageConfigNil = errors.New("storage configuration cannot be nil")
)

// Connection wraps *sql.DB with pool configuration and health checking.
//
// All persistent stores share one Connection, injected by the process
// entrypoint and closed during graceful shutdown. The wrapper keeps pool
// tuning and connectivity probes in one place instead of scattering raw
// *sql.DB handling across stores.
type Connection struct {
	DB     *sql.DB
	config *Config
}

// NewConnection opens a PostgreSQL connection pool using the supplied configuration.
//
// Validates the configuration, applies pool settings, and verifies
// connectivity before returning, so callers get a usable pool or an error -
// never a lazily-broken one.
func NewConnection(config *Config) (*Connection, error) {
	if config == nil {
		return nil, ErrStorageConfigNil
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	conn := &Connection{
		DB:     db,
		config: config,
	}

	// Verify connectivity up front
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := conn.HealthCheck(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return conn, nil
}

// NewConnectionFromDB wraps an existing *sql.DB handle.
//
// Used by integration tests that provision the database externally
// (testcontainers) and by tooling that manages its own pool. Pool settings
// on the handle are left untouched.
func NewConnectionFromDB(db *sql.DB) (*Connection, error) {
	if db == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &Connection{DB: db}, nil
}

// QueryContext executes a query that returns rows.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that is expected to return at most one row.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// ExecContext executes a statement without returning rows.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction with the given options.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	return c.DB.BeginTx(ctx, opts)
}

// HealthCheck verifies the database is reachable and answering.
//
// Used by readiness probes and by NewConnection's startup verification.
// The supplied context bounds the probe; an additional internal timeout
// guards callers that pass context.Background().
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c.DB == nil {
		return ErrNoDatabaseConnection
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.DB.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	return nil
}

// Stats returns database pool statistics for diagnostics.
func (c *Connection) Stats() sql.DBStats {
	if c.DB == nil {
		return sql.DBStats{}
	}

	return c.DB.Stats()
}

// Close closes the connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}

	if err := c.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}
