// Package ratelimit provides fixed-window rate limiting keyed by client
// identifier and scope.
//
// Each (scope, client) pair owns an independent window entry {windowStart,
// count}. A request inside the window increments the count; the first
// request at or past the window boundary resets the entry wholesale to a
// fresh window with count 1. Whether a count fits the limit is the
// limiter's call, not the store's, so one store serves every tier.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// UnknownClient is the bucket for requests whose client identity could not
// be established. Unidentifiable traffic shares one window instead of
// bypassing the limiter.
const UnknownClient = "unknown"

var (
	// ErrNilStore is returned when a Limiter is constructed without a store.
	ErrNilStore = errors.New("rate limit store cannot be nil")

	// ErrEmptyScope is returned when a Config carries no scope name.
	ErrEmptyScope = errors.New("rate limit scope name cannot be empty")

	// ErrInvalidLimit is returned when a non-positive limit is configured.
	ErrInvalidLimit = errors.New("rate limit must be greater than zero")

	// ErrInvalidWindow is returned when a non-positive window is configured.
	ErrInvalidWindow = errors.New("rate limit window must be greater than zero")

	// ErrInvalidMaxKeys is returned when a non-positive key bound is configured.
	ErrInvalidMaxKeys = errors.New("rate limit max keys must be greater than zero")

	// ErrInvalidSweepInterval is returned when a non-positive sweep interval is configured.
	ErrInvalidSweepInterval = errors.New("sweep interval must be greater than zero")
)

type (
	// WindowStore persists fixed-window counters keyed by (scope, client).
	//
	// Increment must perform the read-reset-or-increment atomically: two
	// concurrent calls for the same key must observe distinct counts, and a
	// reset must never lose a concurrent increment. The in-memory store
	// guarantees this under its mutex; the PostgreSQL store with a single
	// upsert statement.
	WindowStore interface {
		// Increment records one request against the key's current window
		// and returns the window start and the count including this
		// request. When now is at or past windowStart+window the entry is
		// reset to a fresh window first.
		Increment(ctx context.Context, key string, now time.Time, window time.Duration) (time.Time, int, error)

		// Peek reads the key's current window without consuming a request.
		// The boolean is false when no live window exists, either because
		// the key was never seen or its window has already lapsed.
		Peek(ctx context.Context, key string, now time.Time, window time.Duration) (time.Time, int, bool, error)

		// Close stops background maintenance. Safe to call multiple times.
		Close() error
	}

	// Clock abstracts wall-clock reads so window arithmetic is testable.
	Clock interface {
		Now() time.Time
	}

	// SystemClock is the production Clock.
	SystemClock struct{}
)

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Decision is the outcome of a single rate limit check.
//
// A denial is a normal decision, not an error: callers translate it to an
// HTTP 429 (or equivalent) themselves. RetryAfter is zero on allowed
// decisions and the time until the window resets on denied ones.
type Decision struct {
	ClientID   string
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the denial's retry hint in whole seconds,
// rounded up, never less than one so a Retry-After header can never tell a
// client to retry immediately into the same window. Allowed decisions
// return zero.
func (d *Decision) RetryAfterSeconds() int64 {
	if d.Allowed {
		return 0
	}

	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}

	return seconds
}
