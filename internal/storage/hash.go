package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash (performance vs security balance)
	// Can be increased to 12 (~250ms) for production security hardening.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashServiceKey generates a bcrypt hash of the service key for secure storage.
// The service key is never stored in plaintext - only the bcrypt hash is persisted.
//
// Performance: ~60ms per call with cost 10 (intentionally slow for security)
// Security: Each hash includes a random salt, so identical keys produce different hashes
//
// Note: Bcrypt has a 72-byte input limit. For longer keys, we pre-hash with SHA-256
// to ensure consistent behavior while maintaining security properties.
func HashServiceKey(serviceKey string) (string, error) {
	if serviceKey == "" {
		return "", ErrKeyNil
	}

	// Bcrypt input preparation
	var input []byte

	if len(serviceKey) > bcryptLimit {
		// For keys longer than 72 bytes, pre-hash with SHA-256
		// This maintains security while working within bcrypt's limits
		hasher := sha256.New()
		hasher.Write([]byte(serviceKey))
		input = hasher.Sum(nil)
	} else {
		input = []byte(serviceKey)
	}

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash service key: %w", err)
	}

	return string(hash), nil
}

// CompareServiceKeyHash performs constant-time comparison of a service key against a bcrypt hash.
// This is the primary method for service key validation - never compare plaintext keys.
//
// Performance: ~60ms per call with cost 10 (intentionally slow to prevent brute force)
// Security: Uses constant-time comparison to prevent timing attacks
//
// Returns true if the service key matches the stored hash, false otherwise.
// Returns false for any error conditions (empty inputs, invalid hash format, etc.)
//
// Note: Must use same input preparation logic as HashServiceKey for long keys.
func CompareServiceKeyHash(hash, serviceKey string) bool {
	if hash == "" || serviceKey == "" {
		return false
	}

	// Prepare input using same logic as HashServiceKey
	var input []byte

	if len(serviceKey) > bcryptLimit {
		// For keys longer than 72 bytes, pre-hash with SHA-256
		hasher := sha256.New()
		hasher.Write([]byte(serviceKey))
		input = hasher.Sum(nil)
	} else {
		input = []byte(serviceKey)
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), input)

	return err == nil
}

// computeKeyLookup returns the hex-encoded SHA-256 digest of a service key.
// The digest is stored alongside the bcrypt hash and indexed so FindByKey is a
// single indexed query instead of a bcrypt comparison against every stored key.
// The digest alone never authenticates a key - bcrypt verification still runs
// on the fetched row.
func computeKeyLookup(serviceKey string) string {
	digest := sha256.Sum256([]byte(serviceKey))

	return hex.EncodeToString(digest[:])
}
