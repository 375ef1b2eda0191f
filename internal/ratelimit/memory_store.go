package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/clubcore-io/clubcore/internal/config"
)

// staleGraceMultiple is how many window lengths an untouched entry may
// outlive its window before the sweep removes it.
const staleGraceMultiple = 2

// windowEntry is one client's fixed window. The window duration is kept on
// the entry so the sweep can judge staleness per entry rather than assuming
// every scope shares one window length.
type windowEntry struct {
	windowStart time.Time
	count       int
	window      time.Duration
}

// MemoryStore implements WindowStore with an in-process map for
// single-instance deployments.
//
// All reads and writes happen under one mutex, which is what makes
// Increment's read-reset-or-increment atomic. The map is bounded by
// maxKeys: when full, inserting a new key evicts the entry with the oldest
// window start, the one closest to lapsing anyway. A background sweep
// removes stale entries so idle clients do not occupy the bound forever.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
	maxKeys int

	sweepInterval time.Duration
	sweepStop     chan struct{} // Signal to stop sweep goroutine
	sweepDone     chan struct{} // Signal sweep has stopped
	closeOnce     sync.Once
	logger        *slog.Logger
}

// NewMemoryStore creates an empty in-memory window store and starts its
// sweep goroutine. The goroutine stops gracefully on Close.
func NewMemoryStore(maxKeys int, sweepInterval time.Duration) (*MemoryStore, error) {
	if maxKeys <= 0 {
		return nil, ErrInvalidMaxKeys
	}

	if sweepInterval <= 0 {
		return nil, ErrInvalidSweepInterval
	}

	store := &MemoryStore{
		windows:       make(map[string]*windowEntry),
		maxKeys:       maxKeys,
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

// Increment records one request against the key's current window. A lapsed
// or absent window is reset wholesale to {now, 1}; a live one counts up.
func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if ok && now.Sub(entry.windowStart) < window {
		entry.count++
		entry.window = window

		return entry.windowStart, entry.count, nil
	}

	if !ok {
		if len(s.windows) >= s.maxKeys {
			s.evictOldest()
		}

		entry = &windowEntry{}
		s.windows[key] = entry
	}

	entry.windowStart = now
	entry.count = 1
	entry.window = window

	return now, 1, nil
}

// Peek reads the key's current window without touching it. Lapsed windows
// report as absent even before the sweep removes them.
func (s *MemoryStore) Peek(_ context.Context, key string, now time.Time, window time.Duration) (time.Time, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.windows[key]
	if !ok || now.Sub(entry.windowStart) >= window {
		return time.Time{}, 0, false, nil
	}

	return entry.windowStart, entry.count, true, nil
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.sweepStop)
		<-s.sweepDone
	})

	return nil
}

// evictOldest removes the entry whose window started earliest. Must be
// called while holding the mutex.
func (s *MemoryStore) evictOldest() {
	var (
		oldestKey   string
		oldestStart time.Time
		found       bool
	)

	for key, entry := range s.windows {
		if !found || entry.windowStart.Before(oldestStart) {
			oldestKey = key
			oldestStart = entry.windowStart
			found = true
		}
	}

	if !found {
		return
	}

	delete(s.windows, oldestKey)

	s.logger.Debug("Evicted oldest rate limit window",
		slog.String("key", oldestKey),
		slog.Time("window_start", oldestStart),
		slog.Int("max_keys", s.maxKeys))
}

// runSweep is the background goroutine that periodically removes stale
// window entries. Runs on a ticker until the sweepStop channel is closed
// via Close().
func (s *MemoryStore) runSweep() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.sweepStale(time.Now())
		}
	}
}

// sweepStale removes every entry whose window lapsed more than the grace
// multiple ago.
func (s *MemoryStore) sweepStale(now time.Time) {
	s.mu.Lock()

	removed := 0

	for key, entry := range s.windows {
		if now.Sub(entry.windowStart) >= staleGraceMultiple*entry.window {
			delete(s.windows, key)

			removed++
		}
	}

	remaining := len(s.windows)
	s.mu.Unlock()

	if removed == 0 {
		s.logger.Debug("Sweep completed - no stale rate limit windows",
			slog.Int("windows_remaining", remaining))
	} else {
		s.logger.Info("Swept stale rate limit windows",
			slog.Int("windows_removed", removed),
			slog.Int("windows_remaining", remaining))
	}
}

// Compile-time interface compliance check
var _ WindowStore = (*MemoryStore)(nil)
