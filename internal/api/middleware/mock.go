package middleware

import (
	"context"

	"github.com/clubcore-io/clubcore/internal/storage"
)

// MockServiceKeyStore is a mock implementation of storage.ServiceKeyStore for testing.
type MockServiceKeyStore struct {
	FindByKeyFunc     func(ctx context.Context, key string) (*storage.ServiceKey, bool)
	AddFunc           func(ctx context.Context, serviceKey *storage.ServiceKey) error
	UpdateFunc        func(ctx context.Context, serviceKey *storage.ServiceKey) error
	DeleteFunc        func(ctx context.Context, keyID string) error
	ListByServiceFunc func(ctx context.Context, serviceID string) ([]*storage.ServiceKey, error)
}

// FindByKey implements storage.ServiceKeyStore.FindByKey.
func (m *MockServiceKeyStore) FindByKey(ctx context.Context, key string) (*storage.ServiceKey, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// Add implements storage.ServiceKeyStore.Add.
func (m *MockServiceKeyStore) Add(ctx context.Context, serviceKey *storage.ServiceKey) error {
	if m.AddFunc != nil {
		return m.AddFunc(ctx, serviceKey)
	}

	return nil
}

// Update implements storage.ServiceKeyStore.Update.
func (m *MockServiceKeyStore) Update(ctx context.Context, serviceKey *storage.ServiceKey) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, serviceKey)
	}

	return nil
}

// Delete implements storage.ServiceKeyStore.Delete.
func (m *MockServiceKeyStore) Delete(ctx context.Context, keyID string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, keyID)
	}

	return nil
}

// ListByService implements storage.ServiceKeyStore.ListByService.
func (m *MockServiceKeyStore) ListByService(ctx context.Context, serviceID string) ([]*storage.ServiceKey, error) {
	if m.ListByServiceFunc != nil {
		return m.ListByServiceFunc(ctx, serviceID)
	}

	return []*storage.ServiceKey{}, nil
}
