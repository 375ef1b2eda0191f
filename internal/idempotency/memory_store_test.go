package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// liveRecord builds a record for the given triple that expires an hour out.
func liveRecord(key, ownerID, endpoint string) *Record {
	now := time.Now().UTC()

	return &Record{
		Key:       key,
		OwnerID:   ownerID,
		Endpoint:  endpoint,
		Status:    201,
		Body:      []byte(`{"bookingId":"b-1"}`),
		RequestID: "req-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

// newTestMemoryStore creates a store whose sweep ticker stays out of the
// test's way; sweeping is exercised directly via sweepExpired.
func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()

	store, err := NewMemoryStore(time.Hour)
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

// TestMemoryStoreInsertAndFind verifies a stored record round-trips intact.
func TestMemoryStoreInsertAndFind(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	record := liveRecord(testKey, testOwner, testEndpoint)

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	found, err := store.Find(ctx, testKey, testOwner, testEndpoint)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if found.Status != record.Status || string(found.Body) != string(record.Body) {
		t.Errorf("record did not round-trip: got status=%d body=%s", found.Status, found.Body)
	}

	if !found.CreatedAt.Equal(record.CreatedAt) || !found.ExpiresAt.Equal(record.ExpiresAt) {
		t.Errorf("timestamps did not round-trip: %+v", found)
	}

	if found.RequestID != record.RequestID {
		t.Errorf("expected request ID %q, got %q", record.RequestID, found.RequestID)
	}
}

// TestMemoryStoreFindMissing verifies an unknown triple reports
// ErrRecordNotFound.
func TestMemoryStoreFindMissing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)

	if _, err := store.Find(context.Background(), testKey, testOwner, testEndpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}

// TestMemoryStoreInsertDuplicate verifies a second insert for a live triple
// fails with ErrRecordExists.
func TestMemoryStoreInsertDuplicate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, liveRecord(testKey, testOwner, testEndpoint)); err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}

	err := store.Insert(ctx, liveRecord(testKey, testOwner, testEndpoint))
	if !errors.Is(err, ErrRecordExists) {
		t.Errorf("expected ErrRecordExists, got %v", err)
	}
}

// TestMemoryStoreTripleIsolation verifies records are scoped to the full
// (key, owner, endpoint) triple.
func TestMemoryStoreTripleIsolation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	if err := store.Insert(ctx, liveRecord(testKey, testOwner, testEndpoint)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Same key under a different owner or endpoint is a separate record.
	if err := store.Insert(ctx, liveRecord(testKey, "member-85", testEndpoint)); err != nil {
		t.Errorf("insert for different owner should succeed, got %v", err)
	}

	if err := store.Insert(ctx, liveRecord(testKey, testOwner, "/api/v1/leave-requests")); err != nil {
		t.Errorf("insert for different endpoint should succeed, got %v", err)
	}

	if _, err := store.Find(ctx, testKey, "member-86", testEndpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound for unknown owner, got %v", err)
	}
}

// TestMemoryStoreExpiredRecordInvisible verifies an expired record is treated
// as absent by Find even before the sweep removes it.
func TestMemoryStoreExpiredRecordInvisible(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	record := liveRecord(testKey, testOwner, testEndpoint)
	record.ExpiresAt = time.Now().Add(-time.Minute)

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, err := store.Find(ctx, testKey, testOwner, testEndpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected expired record to be invisible, got %v", err)
	}
}

// TestMemoryStoreInsertOverwritesExpired verifies an expired record does not
// block a new insert for the same triple.
func TestMemoryStoreInsertOverwritesExpired(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	expired := liveRecord(testKey, testOwner, testEndpoint)
	expired.Body = []byte(`{"bookingId":"stale"}`)
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	if err := store.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert of expired record failed: %v", err)
	}

	fresh := liveRecord(testKey, testOwner, testEndpoint)
	if err := store.Insert(ctx, fresh); err != nil {
		t.Fatalf("Insert over expired record failed: %v", err)
	}

	found, err := store.Find(ctx, testKey, testOwner, testEndpoint)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if string(found.Body) != string(fresh.Body) {
		t.Errorf("expected fresh record body, got %s", found.Body)
	}
}

// TestMemoryStoreNilRecord verifies nil input is rejected.
func TestMemoryStoreNilRecord(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)

	if err := store.Insert(context.Background(), nil); !errors.Is(err, ErrNilRecord) {
		t.Errorf("expected ErrNilRecord, got %v", err)
	}
}

// TestMemoryStoreSweepRemovesExpired verifies the sweep deletes expired
// records and leaves live ones alone.
func TestMemoryStoreSweepRemovesExpired(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	expired := liveRecord(testKey, testOwner, testEndpoint)
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	if err := store.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	live := liveRecord(testKey, testOwner, "/api/v1/leave-requests")
	if err := store.Insert(ctx, live); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	store.sweepExpired(time.Now())

	store.mu.RLock()
	remaining := len(store.records)
	store.mu.RUnlock()

	if remaining != 1 {
		t.Errorf("expected 1 record after sweep, got %d", remaining)
	}

	if _, err := store.Find(ctx, testKey, testOwner, "/api/v1/leave-requests"); err != nil {
		t.Errorf("live record should survive the sweep, got %v", err)
	}
}

// TestMemoryStoreConcurrentAccess verifies the store is safe for concurrent
// use by multiple goroutines.
func TestMemoryStoreConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestMemoryStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(owner string) {
			defer wg.Done()

			for j := 0; j < 20; j++ {
				key := fmt.Sprintf("concurrent-key-%02d", j)
				_ = store.Insert(ctx, liveRecord(key, owner, testEndpoint))
				_, _ = store.Find(ctx, key, owner, testEndpoint)
			}
		}(fmt.Sprintf("member-%d", i))
	}

	wg.Wait()
	// If we get here without panic/race, concurrent access is safe
}

// TestMemoryStoreCloseIdempotent verifies Close is safe to call repeatedly.
func TestMemoryStoreCloseIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store, err := NewMemoryStore(time.Hour)
	if err != nil {
		t.Fatalf("failed to create memory store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

// TestNewMemoryStoreValidation verifies sweep interval validation.
func TestNewMemoryStoreValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := NewMemoryStore(0); !errors.Is(err, ErrInvalidSweepInterval) {
		t.Errorf("expected ErrInvalidSweepInterval for zero interval, got %v", err)
	}

	if _, err := NewMemoryStore(-time.Minute); !errors.Is(err, ErrInvalidSweepInterval) {
		t.Errorf("expected ErrInvalidSweepInterval for negative interval, got %v", err)
	}
}
