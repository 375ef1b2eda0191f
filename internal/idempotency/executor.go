package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/correlation"
)

// Executor guards operations with idempotency keys.
//
// Two layers keep execution at-most-once per triple:
//   - in-process, concurrent calls for the same triple coalesce into a
//     single flight, so the operation body runs once even under races;
//   - across processes, the store's uniqueness constraint on the triple
//     resolves simultaneous first executions - the loser discards its
//     result and replays the winner's record.
type Executor struct {
	store     Store
	retention time.Duration
	flights   singleflight.Group
	logger    *slog.Logger
}

// flightResult is what a coalesced execution shares between callers. The
// per-call annotations (RequestID) are applied afterwards by each caller.
type flightResult struct {
	result   Result
	cached   bool
	original time.Time
}

// NewExecutor creates an Executor backed by the given store. Records are
// replayed until retention elapses.
func NewExecutor(store Store, retention time.Duration) (*Executor, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	if retention <= 0 {
		return nil, ErrInvalidRetention
	}

	return &Executor{
		store:     store,
		retention: retention,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Execute runs op at most once per (key, ownerID, endpoint) triple.
//
// The key is validated before any store access; malformed keys fail with
// *ValidationError. A request whose triple already has a live record gets
// the stored result back with Cached=true and the original completion
// timestamp - op is not invoked. When the store is unreachable the request
// degrades to direct execution instead of blocking: the outcome is returned
// uncached and the outage is logged.
//
// Business outcomes (success or failure payloads in Result) are cached
// alike. A non-nil error from op is an execution failure, is never cached,
// and is returned to the caller so the client may retry.
func (e *Executor) Execute(
	ctx context.Context,
	key, ownerID, endpoint string,
	op Operation,
) (*Outcome, error) {
	if op == nil {
		return nil, ErrNilOperation
	}

	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	// Coalesce concurrent calls for the same triple into one flight. The
	// winner executes; sharers receive the same flightResult and annotate
	// it with their own request IDs below.
	v, err, _ := e.flights.Do(tripleKey(key, ownerID, endpoint), func() (interface{}, error) {
		return e.executeOnce(ctx, key, ownerID, endpoint, op)
	})
	if err != nil {
		return nil, err
	}

	fr, ok := v.(*flightResult)
	if !ok {
		return nil, fmt.Errorf("unexpected flight result type %T", v)
	}

	outcome := &Outcome{
		Result:    fr.result,
		Cached:    fr.cached,
		RequestID: newRequestID(ctx),
	}
	if fr.cached {
		outcome.OriginalTimestamp = fr.original
	}

	return outcome, nil
}

// executeOnce is the single-flight body: replay check, execution, persist.
func (e *Executor) executeOnce(
	ctx context.Context,
	key, ownerID, endpoint string,
	op Operation,
) (*flightResult, error) {
	// 1. Replay check
	record, err := e.store.Find(ctx, key, ownerID, endpoint)

	switch {
	case err == nil:
		return replayedFlight(record), nil

	case errors.Is(err, ErrRecordNotFound):
		// First sighting of this triple - proceed to execution

	default:
		// Store outage. Never block the request on the idempotency layer:
		// run the operation directly and return its outcome uncached.
		e.logger.Warn("idempotency lookup failed, executing without replay protection",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)

		result, opErr := op(ctx)
		if opErr != nil {
			return nil, opErr
		}

		return &flightResult{result: *result}, nil
	}

	// 2. First execution. Errors are never cached.
	result, err := op(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record = &Record{
		Key:       key,
		OwnerID:   ownerID,
		Endpoint:  endpoint,
		Status:    result.Status,
		Body:      result.Body,
		RequestID: newRequestID(ctx),
		CreatedAt: now,
		ExpiresAt: now.Add(e.retention),
	}

	// 3. Persist for replay
	if err := e.store.Insert(ctx, record); err != nil {
		if errors.Is(err, ErrRecordExists) {
			// Lost the insert race to a concurrent request (typically on
			// another instance). Discard our result and replay the winner's.
			winner, findErr := e.store.Find(ctx, key, ownerID, endpoint)
			if findErr == nil {
				return replayedFlight(winner), nil
			}

			e.logger.Warn("idempotency race re-fetch failed, returning local result",
				slog.String("endpoint", endpoint),
				slog.String("error", findErr.Error()),
			)
		} else {
			// Persist failure must not discard a completed execution. The
			// caller gets the computed result; the next request with this
			// key may execute again.
			e.logger.Warn("failed to persist idempotency record",
				slog.String("endpoint", endpoint),
				slog.String("error", err.Error()),
			)
		}
	}

	return &flightResult{result: *result}, nil
}

// replayedFlight converts a stored record into the shared flight result.
func replayedFlight(record *Record) *flightResult {
	return &flightResult{
		result:   Result{Status: record.Status, Body: record.Body},
		cached:   true,
		original: record.CreatedAt,
	}
}

// tripleKey builds the singleflight key. The separator cannot appear in a
// valid idempotency key, which keeps distinct triples from colliding.
func tripleKey(key, ownerID, endpoint string) string {
	return strings.Join([]string{key, ownerID, endpoint}, "\x00")
}

// newRequestID returns the causation ID of the request's correlation context
// when one is present, otherwise a fresh UUID. Either way each call gets its
// own ID, cache hit or not.
func newRequestID(ctx context.Context) string {
	if c, ok := correlation.FromContext(ctx); ok {
		return c.CausationID
	}

	return uuid.New().String()
}
