package idempotency

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/clubcore-io/clubcore/internal/config"
	"github.com/clubcore-io/clubcore/internal/storage"
)

// newPostgresTestStore spins up a migrated PostgreSQL container and returns
// a record store bound to it.
func newPostgresTestStore(ctx context.Context, t *testing.T) *PostgresStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn, err := storage.NewConnectionFromDB(testDB.Connection)
	if err != nil {
		t.Fatalf("failed to wrap test connection: %v", err)
	}

	store, err := NewPostgresStore(conn, time.Hour)
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestPostgresStoreInsertAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newPostgresTestStore(ctx, t)

	// Truncate to what TIMESTAMPTZ preserves so round-trip comparison holds
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := &Record{
		Key:       uuid.NewString(),
		OwnerID:   "membership-service",
		Endpoint:  "POST /api/v1/audit/events",
		Status:    200,
		Body:      []byte(`{"accepted":1}`),
		RequestID: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultRetention),
	}

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	found, err := store.Find(ctx, record.Key, record.OwnerID, record.Endpoint)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if found.Key != record.Key || found.OwnerID != record.OwnerID || found.Endpoint != record.Endpoint {
		t.Errorf("triple = {%s, %s, %s}, want {%s, %s, %s}",
			found.Key, found.OwnerID, found.Endpoint,
			record.Key, record.OwnerID, record.Endpoint)
	}

	if found.Status != record.Status {
		t.Errorf("Status = %d, want %d", found.Status, record.Status)
	}

	if !bytes.Equal(found.Body, record.Body) {
		t.Errorf("Body = %q, want %q", found.Body, record.Body)
	}

	if found.RequestID != record.RequestID {
		t.Errorf("RequestID = %s, want %s", found.RequestID, record.RequestID)
	}

	if !found.CreatedAt.Equal(record.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", found.CreatedAt, record.CreatedAt)
	}

	if !found.ExpiresAt.Equal(record.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", found.ExpiresAt, record.ExpiresAt)
	}

	// The triple scopes the record: a different owner or endpoint misses.
	if _, err := store.Find(ctx, record.Key, "booking-service", record.Endpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Find with other owner = %v, want ErrRecordNotFound", err)
	}

	if _, err := store.Find(ctx, record.Key, record.OwnerID, "POST /api/v1/bookings"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Find with other endpoint = %v, want ErrRecordNotFound", err)
	}

	if _, err := store.Find(ctx, uuid.NewString(), record.OwnerID, record.Endpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Find with unknown key = %v, want ErrRecordNotFound", err)
	}

	// A second insert for the same triple loses to the unique constraint.
	duplicate := *record
	duplicate.Status = 201
	duplicate.RequestID = uuid.NewString()

	if err := store.Insert(ctx, &duplicate); !errors.Is(err, ErrRecordExists) {
		t.Errorf("duplicate Insert = %v, want ErrRecordExists", err)
	}

	if err := store.Insert(ctx, nil); !errors.Is(err, ErrNilRecord) {
		t.Errorf("nil Insert = %v, want ErrNilRecord", err)
	}
}

// TestPostgresStoreEmptyBody verifies a record whose operation produced no
// body round-trips: the column is nullable, and a nil Body comes back empty.
func TestPostgresStoreEmptyBody(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newPostgresTestStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := &Record{
		Key:       uuid.NewString(),
		OwnerID:   "payment-service",
		Endpoint:  "DELETE /api/v1/bookings",
		Status:    204,
		Body:      nil,
		RequestID: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultRetention),
	}

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	found, err := store.Find(ctx, record.Key, record.OwnerID, record.Endpoint)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if found.Status != 204 {
		t.Errorf("Status = %d, want 204", found.Status)
	}

	if len(found.Body) != 0 {
		t.Errorf("Body = %q, want empty", found.Body)
	}
}

// TestPostgresStoreExpiredRecordInvisible verifies Find filters records past
// retention even before the sweep has deleted them.
func TestPostgresStoreExpiredRecordInvisible(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newPostgresTestStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	record := &Record{
		Key:       uuid.NewString(),
		OwnerID:   "membership-service",
		Endpoint:  "POST /api/v1/audit/events",
		Status:    200,
		Body:      []byte(`{"accepted":2}`),
		RequestID: uuid.NewString(),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}

	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, err := store.Find(ctx, record.Key, record.OwnerID, record.Endpoint); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Find of expired record = %v, want ErrRecordNotFound", err)
	}
}

// TestPostgresStoreConcurrentInserts verifies the unique constraint resolves
// concurrent first executions: exactly one insert wins, every other caller
// observes ErrRecordExists.
func TestPostgresStoreConcurrentInserts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newPostgresTestStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := uuid.NewString()

	const goroutines = 20

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record := &Record{
				Key:       key,
				OwnerID:   "booking-service",
				Endpoint:  "POST /api/v1/audit/events",
				Status:    200,
				Body:      []byte(`{"accepted":1}`),
				RequestID: uuid.NewString(),
				CreatedAt: now,
				ExpiresAt: now.Add(DefaultRetention),
			}

			err := store.Insert(ctx, record)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrRecordExists):
				conflicts++
			default:
				t.Errorf("Insert failed: %v", err)
			}
		}()
	}

	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}

	if conflicts != goroutines-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, goroutines-1)
	}
}

// TestPostgresStoreSweep verifies expired records are deleted while live
// records survive.
func TestPostgresStoreSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := newPostgresTestStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	expired := &Record{
		Key:       uuid.NewString(),
		OwnerID:   "membership-service",
		Endpoint:  "POST /api/v1/audit/events",
		Status:    200,
		Body:      []byte(`{"accepted":1}`),
		RequestID: uuid.NewString(),
		CreatedAt: now.Add(-2 * DefaultRetention),
		ExpiresAt: now.Add(-DefaultRetention),
	}

	live := &Record{
		Key:       uuid.NewString(),
		OwnerID:   "membership-service",
		Endpoint:  "POST /api/v1/audit/events",
		Status:    200,
		Body:      []byte(`{"accepted":1}`),
		RequestID: uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultRetention),
	}

	if err := store.Insert(ctx, expired); err != nil {
		t.Fatalf("Insert of expired record failed: %v", err)
	}

	if err := store.Insert(ctx, live); err != nil {
		t.Fatalf("Insert of live record failed: %v", err)
	}

	store.sweepExpiredRecords(ctx)

	var remaining int

	err := store.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records`).Scan(&remaining)
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}

	if remaining != 1 {
		t.Errorf("rows after sweep = %d, want 1", remaining)
	}

	var survivingKey string

	err = store.conn.QueryRowContext(ctx, `SELECT idempotency_key FROM idempotency_records`).Scan(&survivingKey)
	if err != nil {
		t.Fatalf("failed to read surviving row: %v", err)
	}

	if survivingKey != live.Key {
		t.Errorf("surviving row = %q, want %q", survivingKey, live.Key)
	}
}
