// Package idempotency provides at-most-once execution of mutating operations
// keyed by client-supplied idempotency keys.
//
// A key is scoped to the (key, owner, endpoint) triple: the same key reused
// by a different owner or against a different endpoint is an independent
// request. The first execution's outcome is persisted and replayed to every
// subsequent request bearing the same triple until the record expires.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	// minKeyLength and maxKeyLength bound the non-UUID key shape.
	minKeyLength = 16
	maxKeyLength = 255

	// DefaultRetention is how long a completed record replays before the
	// sweep removes it.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweep looks for
	// expired records.
	DefaultSweepInterval = time.Hour
)

var (
	// ErrRecordNotFound is returned by Store.Find when no live record exists
	// for the requested triple. Expired records are invisible and report
	// this error as well.
	ErrRecordNotFound = errors.New("idempotency record not found")

	// ErrRecordExists is returned by Store.Insert when a record for the same
	// (key, owner, endpoint) triple was already persisted. The executor uses
	// it to detect lost insert races.
	ErrRecordExists = errors.New("idempotency record already exists")

	// ErrNilStore is returned when an Executor is constructed without a store.
	ErrNilStore = errors.New("idempotency store cannot be nil")

	// ErrNilOperation is returned when Execute is called without an operation.
	ErrNilOperation = errors.New("idempotency operation cannot be nil")

	// ErrNilRecord is returned by Store.Insert when the record is nil.
	ErrNilRecord = errors.New("idempotency record cannot be nil")

	// ErrInvalidRetention is returned when a non-positive retention is configured.
	ErrInvalidRetention = errors.New("idempotency retention must be greater than zero")

	// ErrInvalidSweepInterval is returned when a non-positive sweep interval is configured.
	ErrInvalidSweepInterval = errors.New("sweep interval must be greater than zero")

	// tokenKeyPattern is the non-UUID key shape: 16-255 characters drawn
	// from letters, digits, underscore and hyphen.
	tokenKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,255}$`)
)

type (
	// Result is the business outcome of an operation: an HTTP-shaped status
	// and a serialized body. Business failures (4xx/5xx payloads the handler
	// chose to return) travel here and are cached exactly like successes.
	Result struct {
		Status int
		Body   []byte
	}

	// Outcome is what Execute hands back to the caller: the result plus
	// replay annotations. RequestID is freshly generated for every call,
	// cache hit or not. OriginalTimestamp is set only when Cached is true
	// and records when the first execution completed.
	Outcome struct {
		Result
		Cached            bool
		RequestID         string
		OriginalTimestamp time.Time
	}

	// Record is the persisted form of a first execution.
	//
	// RequestID here is provenance: the ID of the request that produced the
	// stored result. It is kept for debugging duplicate submissions and is
	// distinct from the per-call Outcome.RequestID.
	Record struct {
		Key       string
		OwnerID   string
		Endpoint  string
		Status    int
		Body      []byte
		RequestID string
		CreatedAt time.Time
		ExpiresAt time.Time
	}

	// Operation is the unit of work Execute guards. It returns the business
	// outcome as a Result; a non-nil error means the execution itself failed
	// (infrastructure, panic recovery, timeout) and is never cached, so the
	// client may retry with the same key.
	Operation func(ctx context.Context) (*Result, error)

	// Store persists idempotency records keyed by the (key, owner, endpoint)
	// triple. Insert must enforce triple uniqueness atomically: the executor
	// relies on ErrRecordExists to resolve concurrent first executions, so a
	// check-then-insert store without a uniqueness guarantee is not a valid
	// implementation.
	Store interface {
		// Find returns the live record for the triple, or ErrRecordNotFound
		// if none exists or the record has expired.
		Find(ctx context.Context, key, ownerID, endpoint string) (*Record, error)

		// Insert persists a new record. Returns ErrRecordExists when a live
		// record for the same triple is already present.
		Insert(ctx context.Context, record *Record) error

		// Close stops background maintenance. Safe to call multiple times.
		Close() error
	}
)

// ValidationError reports a malformed idempotency key. It is returned before
// any store access, so callers can map it to a client error without touching
// the cache.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid idempotency key %q: %s", e.Key, e.Reason)
}

// ValidateKey checks a client-supplied idempotency key against the two
// accepted shapes: a UUID, or 16-255 characters of letters, digits,
// underscores and hyphens. Anything else fails with *ValidationError.
func ValidateKey(key string) error {
	if key == "" {
		return &ValidationError{Key: key, Reason: "key is empty"}
	}

	if _, err := uuid.Parse(key); err == nil {
		return nil
	}

	if tokenKeyPattern.MatchString(key) {
		return nil
	}

	if len(key) < minKeyLength {
		return &ValidationError{
			Key:    key,
			Reason: fmt.Sprintf("key shorter than %d characters and not a UUID", minKeyLength),
		}
	}

	if len(key) > maxKeyLength {
		return &ValidationError{
			Key:    key,
			Reason: fmt.Sprintf("key longer than %d characters", maxKeyLength),
		}
	}

	return &ValidationError{Key: key, Reason: "key contains characters outside [A-Za-z0-9_-]"}
}
