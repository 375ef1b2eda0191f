package ratelimit

import (
	"context"
	"log/slog"
	"os"

	"github.com/clubcore-io/clubcore/internal/config"
)

// Limiter applies fixed-window rate limits to client identifiers.
//
// The limiter owns the clock and the allow/deny logic; the store owns the
// counters. One limiter serves every scope: the scope travels in the Config
// passed to Check, and counters are keyed by (scope, client) so tiers never
// bleed into each other.
type Limiter struct {
	store  WindowStore
	clock  Clock
	logger *slog.Logger
}

// LimiterOption customizes a Limiter at construction time.
type LimiterOption func(*Limiter)

// WithClock replaces the wall clock. Tests use this to step through window
// boundaries without sleeping.
func WithClock(clock Clock) LimiterOption {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLimiter creates a Limiter backed by the given window store.
func NewLimiter(store WindowStore, opts ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	limiter := &Limiter{
		store: store,
		clock: &SystemClock{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(limiter)
	}

	return limiter, nil
}

// Check records one request for the client under the given scope and
// decides whether it fits the window.
//
// The count is incremented before the comparison, so a denied request still
// consumed nothing extra: the entry already exceeded the limit and keeps
// the same reset time. An empty clientID lands in the shared UnknownClient
// bucket rather than escaping the limiter.
//
// A store failure fails open: the request is allowed and the failure
// logged, because refusing all traffic when the counter backend is down is
// a worse outage than briefly losing rate enforcement. Denials are normal
// decisions; Check returns an error only for an invalid Config.
func (l *Limiter) Check(ctx context.Context, clientID string, cfg Config) (*Decision, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if clientID == "" {
		clientID = UnknownClient
	}

	now := l.clock.Now()

	windowStart, count, err := l.store.Increment(ctx, clientKey(cfg.Name, clientID), now, cfg.Window)
	if err != nil {
		l.logger.Warn("Rate limit store unavailable, failing open",
			slog.String("scope", cfg.Name),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))

		return &Decision{
			ClientID:  clientID,
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: 0,
			ResetAt:   now.Add(cfg.Window),
		}, nil
	}

	resetAt := windowStart.Add(cfg.Window)

	if count > cfg.Limit {
		return &Decision{
			ClientID:   clientID,
			Allowed:    false,
			Limit:      cfg.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	return &Decision{
		ClientID:  clientID,
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: cfg.Limit - count,
		ResetAt:   resetAt,
	}, nil
}

// Status reports the client's standing under the given scope without
// consuming a request: the decision a Check would make right now, minus the
// increment. Status endpoints use it so polling your own limit never burns
// it. A store failure is reported as a fresh window, consistent with
// Check's fail-open stance.
func (l *Limiter) Status(ctx context.Context, clientID string, cfg Config) (*Decision, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if clientID == "" {
		clientID = UnknownClient
	}

	now := l.clock.Now()

	windowStart, count, live, err := l.store.Peek(ctx, clientKey(cfg.Name, clientID), now, cfg.Window)
	if err != nil {
		l.logger.Warn("Rate limit store unavailable, reporting fresh window",
			slog.String("scope", cfg.Name),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))

		live = false
	}

	if !live {
		return &Decision{
			ClientID:  clientID,
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: cfg.Limit,
			ResetAt:   now,
		}, nil
	}

	resetAt := windowStart.Add(cfg.Window)

	remaining := cfg.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count >= cfg.Limit {
		return &Decision{
			ClientID:   clientID,
			Allowed:    false,
			Limit:      cfg.Limit,
			Remaining:  remaining,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	return &Decision{
		ClientID:  clientID,
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// clientKey builds the store key for a (scope, client) pair. The scope
// prefix keeps tiers isolated even when the same client hits several.
func clientKey(scope, clientID string) string {
	return scope + ":" + clientID
}
