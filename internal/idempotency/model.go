// Package idempotency stores the first response of a request carrying an
// Idempotency-Key so retries replay it instead of repeating the write.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")
	// ErrKeyExists is returned when attempting to store a duplicate key.
	ErrKeyExists = errors.New("idempotency key already exists")
	// ErrInvalidKey is returned when the key is empty or has invalid characters.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// DefaultExpiry is how long a stored response is replayed.
const DefaultExpiry = 24 * time.Hour

// Record is a stored response.
type Record struct {
	Key          string    `json:"key"`
	Method       string    `json:"method"`
	Route        string    `json:"route"`
	CreatedAt    time.Time `json:"created_at"`
	ResponseHash string    `json:"response_hash"`
	StatusCode   int       `json:"status_code"`
	Body         string    `json:"body"`
}

// Repository persists records. Implementations expire records after ttl.
type Repository interface {
	// Get returns ErrKeyNotFound if the key is absent or expired.
	Get(ctx context.Context, key string) (*Record, error)
	// Store returns ErrKeyExists if the key is already present.
	Store(ctx context.Context, record *Record, ttl time.Duration) error
}

// ValidateKey checks that key is non-empty, printable ASCII and at most
// MaxKeyLength bytes.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// ScopedKey namespaces a client key by caller so two callers never share a
// stored response.
func ScopedKey(caller, key string) string {
	return caller + ":" + key
}

// ComputeResponseHash returns the hex SHA-256 of a response body.
func ComputeResponseHash(body string) string {
	hash := sha256.Sum256([]byte(body))
	return hex.EncodeToString(hash[:])
}
