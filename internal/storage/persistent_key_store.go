package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/clubcore-io/clubcore/internal/config"
)

const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements ServiceKeyStore interface with PostgreSQL backend.
// Provides production-ready service key storage with connection pooling, transaction handling,
// and comprehensive error management.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a production-ready PostgreSQL key store with connection pooling.
func NewPersistentKeyStore(conn *Connection) (*PersistentKeyStore, error) {
	return &PersistentKeyStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelDebug),
		})),
	}, nil
}

// Close closes the database connection pool gracefully.
// This method is safe to call multiple times.
func (s *PersistentKeyStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}

// FindByKey retrieves a service key by its key value in O(1) via the SHA-256
// lookup digest, then verifies the match with bcrypt before trusting it.
// Soft-deleted keys are returned with Active=false so callers can distinguish
// revoked keys from unknown ones. Returns (nil, false) if key not found or invalid.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*ServiceKey, bool) {
	// Validate input
	if key == "" {
		return nil, false
	}

	// Single indexed query on the lookup digest (unique index on key_lookup)
	query := `
		SELECT id, key_hash, service_id, name, permissions, created_at, expires_at, active
		FROM service_keys
		WHERE key_lookup = $1
	`

	var (
		serviceKey      ServiceKey
		permissionsJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, computeKeyLookup(key)).Scan(
		&serviceKey.ID,
		&serviceKey.Key, // This is actually the hash, we'll use it for verification
		&serviceKey.ServiceID,
		&serviceKey.Name,
		&permissionsJSON,
		&serviceKey.CreatedAt,
		&serviceKey.ExpiresAt,
		&serviceKey.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}

	if err != nil {
		s.logger.Error("failed to find key", slog.String("key", MaskKey(key)), slog.String("error", err.Error()))

		return nil, false
	}

	// Parse permissions from JSONB
	if err := json.Unmarshal(permissionsJSON, &serviceKey.Permissions); err != nil {
		return nil, false
	}

	// The digest located the row; bcrypt confirms the key actually matches
	if !CompareServiceKeyHash(serviceKey.Key, key) {
		return nil, false
	}

	// Mask the key for security (we don't return the plaintext key or hash)
	serviceKey.Key = MaskKey(serviceKey.Key)

	return &serviceKey, true
}

// Add stores a new service key with bcrypt hashing and audit logging.
// The plaintext key is hashed with bcrypt (cost=10) before storage for security;
// a SHA-256 lookup digest is stored alongside it for O(1) FindByKey.
// Audit logging is performed synchronously to ensure compliance.
func (s *PersistentKeyStore) Add(ctx context.Context, serviceKey *ServiceKey) error {
	// Validate input
	if serviceKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	// Check for duplicate key via the lookup digest. The unique index on
	// key_lookup would reject the insert anyway; checking first returns the
	// sentinel error instead of a driver error. Soft-deleted keys count as
	// duplicates to preserve the audit trail.
	if existing, found := s.FindByKey(ctx, serviceKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	// Hash the service key using bcrypt
	keyHash, err := HashServiceKey(serviceKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash service key: %w", err)
	}

	// Convert permissions slice to JSONB-compatible format
	permissionsJSON, err := permissionsToJSON(serviceKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	// Insert service key into database
	query := `
		INSERT INTO service_keys (id, key_hash, key_lookup, service_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		serviceKey.ID,
		keyHash,
		computeKeyLookup(serviceKey.Key),
		serviceKey.ServiceID,
		serviceKey.Name,
		permissionsJSON,
		serviceKey.CreatedAt,
		serviceKey.ExpiresAt,
		serviceKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert service key: %w", err)
	}

	// Synchronous audit logging (blocking for strict compliance)
	if err := s.logAudit(ctx, keyCreated, serviceKey, nil); err != nil {
		// Log error but don't fail the operation - audit logging is best-effort
		// In production, this would be logged to a monitoring system
		s.logger.Error(
			"failed to write an audit log entry for service key operation",
			slog.String("operation", keyCreated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Update modifies an existing service key with audit logging.
// Updates name, permissions, active status, and expiration.
// The key hash itself cannot be updated for security reasons.
func (s *PersistentKeyStore) Update(ctx context.Context, serviceKey *ServiceKey) error {
	// Validate input
	if serviceKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if serviceKey.ID == "" {
		return ErrKeyNotFound
	}

	// Convert permissions slice to JSONB-compatible format
	permissionsJSON, err := permissionsToJSON(serviceKey.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	// Update service key in database
	query := `
		UPDATE service_keys
		SET name = $1, permissions = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	result, err := s.conn.ExecContext(
		ctx,
		query,
		serviceKey.Name,
		permissionsJSON,
		serviceKey.Active,
		serviceKey.ExpiresAt,
		serviceKey.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update service key: %w", err)
	}

	// Check if any rows were affected
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	// Synchronous audit logging (blocking for strict compliance)
	if err := s.logAudit(ctx, keyUpdated, serviceKey, nil); err != nil {
		// Log error but don't fail the operation - audit logging is best-effort
		s.logger.Error(
			"failed to write an audit log entry for service key operation",
			slog.String("operation", keyUpdated),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete performs a soft delete on a service key by setting active=FALSE.
// The key is not physically removed from the database for audit trail purposes.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	// Validate input
	if keyID == "" {
		return ErrKeyNotFound
	}

	// Soft delete: Set active=FALSE instead of physical deletion
	query := `
		UPDATE service_keys
		SET active = FALSE
		WHERE id = $1
	`

	result, err := s.conn.ExecContext(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete service key: %w", err)
	}

	// Check if any rows were affected
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrKeyNotFound
	}

	// Create a minimal ServiceKey for audit logging
	serviceKey := &ServiceKey{
		ID: keyID,
	}

	// Synchronous audit logging (blocking for strict compliance)
	if err := s.logAudit(ctx, keyDeleted, serviceKey, nil); err != nil {
		// Log error but don't fail the operation - audit logging is best-effort
		s.logger.Error(
			"failed to write an audit log entry for service key operation",
			slog.String("operation", keyDeleted),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// ListByService returns all active service keys for a specific service.
// Uses the idx_service_keys_service_id index for optimal query performance.
func (s *PersistentKeyStore) ListByService(ctx context.Context, serviceID string) ([]*ServiceKey, error) {
	// Validate input
	if serviceID == "" {
		return nil, ErrServiceIDEmpty
	}

	// Query active keys for the specified service
	query := `
		SELECT id, key_hash, service_id, name, permissions, created_at, expires_at, active, updated_at
		FROM service_keys
		WHERE service_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query service keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	// Collect all matching keys
	var keys []*ServiceKey

	for rows.Next() {
		var (
			serviceKey      ServiceKey
			permissionsJSON []byte
			updatedAt       interface{} // Not used in ServiceKey struct yet
		)

		err := rows.Scan(
			&serviceKey.ID,
			&serviceKey.Key, // This is actually the hash, mask it before returning
			&serviceKey.ServiceID,
			&serviceKey.Name,
			&permissionsJSON,
			&serviceKey.CreatedAt,
			&serviceKey.ExpiresAt,
			&serviceKey.Active,
			&updatedAt,
		)
		if err != nil {
			continue
		}

		// Parse permissions from JSONB
		if err := json.Unmarshal(permissionsJSON, &serviceKey.Permissions); err != nil {
			continue
		}

		// Mask the key hash for security
		serviceKey.Key = MaskKey(serviceKey.Key)

		keys = append(keys, &serviceKey)
	}

	// Check for errors from iterating over rows
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	// Return empty slice (not nil) if no keys found
	if keys == nil {
		keys = []*ServiceKey{}
	}

	return keys, nil
}

// permissionsToJSON converts a permissions slice to JSON format for PostgreSQL JSONB storage.
func permissionsToJSON(permissions []string) ([]byte, error) {
	if permissions == nil {
		permissions = []string{}
	}

	return json.Marshal(permissions)
}

// logAudit writes an audit log entry for service key operations.
// This is synchronous (blocking) to ensure strict compliance requirements.
func (s *PersistentKeyStore) logAudit(
	ctx context.Context,
	operation string,
	serviceKey *ServiceKey,
	metadata map[string]interface{},
) error {
	maskedKey := MaskKey(serviceKey.Key)

	var (
		// Convert metadata to JSON
		metadataJSON []byte
		err          error
	)

	if metadata == nil {
		metadataJSON = []byte("{}")
	} else {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO service_key_audit_log (service_key_id, operation, masked_key, service_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = s.conn.ExecContext(ctx, query, serviceKey.ID, operation, maskedKey, serviceKey.ServiceID, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// Compile-time check that PersistentKeyStore satisfies ServiceKeyStore.
var _ ServiceKeyStore = (*PersistentKeyStore)(nil)
