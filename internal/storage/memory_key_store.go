package storage

import (
	"context"
	"sync"
)

// InMemoryKeyStore provides thread-safe in-memory storage for service keys.
// Suitable for single-instance deployments and tests; multi-instance
// deployments use PersistentKeyStore.
type InMemoryKeyStore struct {
	// keys maps key strings to ServiceKey structs for fast lookup
	keys map[string]*ServiceKey
	// keysByID maps key IDs to ServiceKey structs for ID-based operations
	keysByID map[string]*ServiceKey
	// keysByService maps service IDs to slices of ServiceKey structs for service filtering
	keysByService map[string][]*ServiceKey
	// mutex protects concurrent access to all maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:          make(map[string]*ServiceKey),
		keysByID:      make(map[string]*ServiceKey),
		keysByService: make(map[string][]*ServiceKey),
	}
}

// FindByKey retrieves a service key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*ServiceKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	serviceKey, exists := s.keys[key]
	if !exists {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *serviceKey

	return &keyCopy, true
}

// Add stores a new service key.
func (s *InMemoryKeyStore) Add(_ context.Context, serviceKey *ServiceKey) error {
	if serviceKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key already exists by ID or key string
	if _, exists := s.keysByID[serviceKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[serviceKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Create a copy to prevent external modification
	keyCopy := *serviceKey

	// Store in all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to service map
	s.keysByService[keyCopy.ServiceID] = append(s.keysByService[keyCopy.ServiceID], &keyCopy)

	return nil
}

// Update modifies an existing service key.
func (s *InMemoryKeyStore) Update(_ context.Context, serviceKey *ServiceKey) error {
	if serviceKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[serviceKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from service map (old service)
	s.removeFromServiceMap(existingKey.ServiceID, existingKey.ID)

	// Remove from key string map if key changed
	if existingKey.Key != serviceKey.Key {
		delete(s.keys, existingKey.Key)
	}

	// Create a copy to prevent external modification
	keyCopy := *serviceKey

	// Update all maps
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	// Add to service map (new service)
	s.keysByService[keyCopy.ServiceID] = append(s.keysByService[keyCopy.ServiceID], &keyCopy)

	return nil
}

// Delete removes a service key.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Check if key exists
	existingKey, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	// Remove from all maps
	delete(s.keys, existingKey.Key)
	delete(s.keysByID, keyID)

	// Remove from service map
	s.removeFromServiceMap(existingKey.ServiceID, keyID)

	return nil
}

// ListByService returns all service keys for a specific service.
func (s *InMemoryKeyStore) ListByService(_ context.Context, serviceID string) ([]*ServiceKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys, exists := s.keysByService[serviceID]
	if !exists {
		return []*ServiceKey{}, nil // Return empty slice for non-existent services
	}

	// Return copies to prevent external modification
	result := make([]*ServiceKey, len(keys))
	for i, key := range keys {
		keyCopy := *key
		result[i] = &keyCopy
	}

	return result, nil
}

// removeFromServiceMap removes a key from the service map by key ID.
// Caller must hold write lock.
func (s *InMemoryKeyStore) removeFromServiceMap(serviceID, keyID string) {
	keys := s.keysByService[serviceID]
	for i, key := range keys {
		if key.ID == keyID {
			// Remove element at index i
			s.keysByService[serviceID] = append(keys[:i], keys[i+1:]...)

			break
		}
	}

	// Clean up empty service entries
	if len(s.keysByService[serviceID]) == 0 {
		delete(s.keysByService, serviceID)
	}
}

// Compile-time check that InMemoryKeyStore satisfies ServiceKeyStore.
var _ ServiceKeyStore = (*InMemoryKeyStore)(nil)
