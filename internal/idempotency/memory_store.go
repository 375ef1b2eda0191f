package idempotency

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clubcore-io/clubcore/internal/config"
)

// recordKey identifies a record by its uniqueness triple.
type recordKey struct {
	key      string
	ownerID  string
	endpoint string
}

// MemoryStore implements Store with an in-process map for single-instance
// deployments.
//
// The map key is the triple itself, so "insert if absent" is naturally
// atomic under the store's mutex. A background sweep removes expired records
// to bound memory growth; expired records are treated as absent by Find and
// Insert even before the sweep reaches them. Multi-instance deployments need
// PostgresStore, which enforces the same uniqueness across processes.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record

	sweepInterval time.Duration
	sweepStop     chan struct{} // Signal to stop sweep goroutine
	sweepDone     chan struct{} // Signal sweep has stopped
	closeOnce     sync.Once
	logger        *slog.Logger
}

// NewMemoryStore creates an empty in-memory store and starts its sweep
// goroutine. The goroutine stops gracefully on Close.
func NewMemoryStore(sweepInterval time.Duration) (*MemoryStore, error) {
	if sweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}

	store := &MemoryStore{
		records:       make(map[recordKey]Record),
		sweepInterval: sweepInterval,
		sweepStop:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	go store.runSweep()

	return store, nil
}

// Find returns the live record for the triple, or ErrRecordNotFound when
// none exists. A record past its expiry is reported as not found.
func (s *MemoryStore) Find(_ context.Context, key, ownerID, endpoint string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey{key: key, ownerID: ownerID, endpoint: endpoint}]
	if !ok || !record.ExpiresAt.After(time.Now()) {
		return nil, ErrRecordNotFound
	}

	copied := record

	return &copied, nil
}

// Insert persists a record for its triple. A live record for the same triple
// fails with ErrRecordExists; an expired one is overwritten in place rather
// than waiting for the sweep.
func (s *MemoryStore) Insert(_ context.Context, record *Record) error {
	if record == nil {
		return ErrNilRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rk := recordKey{key: record.Key, ownerID: record.OwnerID, endpoint: record.Endpoint}

	if existing, ok := s.records[rk]; ok && existing.ExpiresAt.After(time.Now()) {
		return ErrRecordExists
	}

	s.records[rk] = *record

	return nil
}

// Close stops the sweep goroutine. Safe to call multiple times.
//
// Unlike the PostgreSQL store there is no I/O to wait out: the sweep loop
// only contends for the mutex, so Close waits for it unconditionally.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
	})

	return nil
}

// runSweep is the background goroutine that periodically removes expired
// records. Runs on a ticker until the sweepStop channel is closed via Close().
func (s *MemoryStore) runSweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

// sweepExpired removes every record whose expiry is at or before now.
func (s *MemoryStore) sweepExpired(now time.Time) {
	s.mu.Lock()

	removed := 0

	for rk, record := range s.records {
		if !record.ExpiresAt.After(now) {
			delete(s.records, rk)

			removed++
		}
	}

	remaining := len(s.records)
	s.mu.Unlock()

	if removed == 0 {
		s.logger.Debug("Sweep completed - no expired idempotency records",
			slog.Int("records_remaining", remaining))
	} else {
		s.logger.Info("Swept expired idempotency records",
			slog.Int("records_removed", removed),
			slog.Int("records_remaining", remaining))
	}
}

// Compile-time interface compliance check
var _ Store = (*MemoryStore)(nil)
