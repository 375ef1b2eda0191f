// Package storage provides data storage interfaces and domain types for the Clubcore service.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Service key format constants.
	randomBytesSize  = 32
	serviceKeyLength = 76
	prefixLen        = 16 // Show "clubcore_sk_1234"
	suffixLen        = 4  // Show last 4 chars
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("service key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("service key not found")
	// ErrKeyNil is returned when a nil service key is provided.
	ErrKeyNil = errors.New("service key cannot be nil")
	// ErrServiceIDEmpty is returned when service ID is empty during key generation.
	ErrServiceIDEmpty = errors.New("service ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when a service key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid service key format")
	// ErrInvalidKeyLength is returned when a service key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid service key length")
)

// ServiceKey represents a credential issued to a platform service
// (booking, membership, notifications, ...) calling the core API.
type ServiceKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ServiceID   string     `json:"serviceId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// ServiceKeyStore defines the interface for service key storage and retrieval.
type ServiceKeyStore interface {
	// FindByKey retrieves a service key by its key value
	FindByKey(ctx context.Context, key string) (*ServiceKey, bool)
	// Add stores a new service key
	Add(ctx context.Context, serviceKey *ServiceKey) error
	// Update modifies an existing service key
	Update(ctx context.Context, serviceKey *ServiceKey) error
	// Delete removes a service key
	Delete(ctx context.Context, keyID string) error
	// ListByService returns all service keys for a specific service
	ListByService(ctx context.Context, serviceID string) ([]*ServiceKey, error)
}

// ValidateKey performs constant-time comparison of the provided key against this service key.
func (sk *ServiceKey) ValidateKey(providedKey string) bool {
	// Validate inputs first
	if providedKey == "" || sk.Key == "" {
		return false
	}

	// Check if the key is active
	if !sk.Active {
		return false
	}

	// Check expiration
	if sk.ExpiresAt != nil && time.Now().After(*sk.ExpiresAt) {
		return false
	}

	// Constant-time comparison for security
	return SecureCompare(sk.Key, providedKey)
}

// HasPermission checks if the service key has a specific permission.
func (sk *ServiceKey) HasPermission(permission string) bool {
	for _, p := range sk.Permissions {
		if p == permission {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	// If lengths differ, still perform comparison to prevent timing attacks
	// but ensure we return false
	if len(a) != len(b) {
		// Compare against a dummy string of the same length as 'a' to maintain constant time
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	// Perform constant-time comparison
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks a service key for secure logging by showing only the prefix and suffix.
// Designed specifically for 76-character clubcore service keys in format:
// "clubcore_sk_" + 64 hex chars = 76 total chars.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	// For our standard 76-character service keys, show meaningful prefix and suffix
	if keyLen == serviceKeyLength {
		maskedLen := keyLen - prefixLen - suffixLen // 76 - 16 - 4 = 56

		return key[:prefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-suffixLen:]
	}

	// For any other key length (testing, development, etc.), mask completely
	return strings.Repeat("*", keyLen)
}

// GenerateServiceKey creates a new secure key for a platform service.
func GenerateServiceKey(serviceID string) (string, error) {
	if serviceID == "" {
		return "", ErrServiceIDEmpty
	}

	// Generate 32 random bytes (256 bits)
	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Convert to hex and add clubcore prefix
	randomHex := hex.EncodeToString(randomBytes)
	serviceKey := "clubcore_sk_" + randomHex // pragma: allowlist secret

	return serviceKey, nil
}

// ParseServiceKey extracts the service key from various header formats.
func ParseServiceKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	// Remove "Bearer " prefix if present
	keyString = strings.TrimPrefix(keyString, "Bearer ")

	// Validate key format (should start with clubcore_sk_)
	if !strings.HasPrefix(keyString, "clubcore_sk_") {
		return "", ErrInvalidKeyFormat
	}

	// Ensure key has correct length (clubcore_sk_ + 64 hex chars = 76 total)
	if len(keyString) != serviceKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
