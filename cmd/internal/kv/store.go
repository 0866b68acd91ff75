// Package kv is the key-value store with per-key expiry that holds session
// records and credential artifacts.
//
// Semantics shared by every implementation:
//   - A key whose TTL elapsed is indistinguishable from a key that never existed.
//   - Create is put-if-absent; it is the only way a new record appears.
//   - Swap is compare-and-swap on Version and never changes the expiry.
//   - Delete is idempotent.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the key is absent or expired.
	ErrNotFound = errors.New("kv: not found")
	// ErrExists is returned by Create when a live record already holds the key.
	ErrExists = errors.New("kv: key exists")
	// ErrVersionMismatch is returned by Swap when the record changed since it was read.
	ErrVersionMismatch = errors.New("kv: version mismatch")
	// ErrInvalidInput is returned for empty keys or non-positive TTLs.
	ErrInvalidInput = errors.New("kv: invalid input")
)

// Entry is a stored value with its concurrency token and expiry.
type Entry struct {
	Key       string
	Value     []byte
	Version   int64
	ExpiresAt time.Time
}

// Store persists values with per-key expiry.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Create(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error)
	Swap(ctx context.Context, key string, value []byte, version int64) (Entry, error)
	Delete(ctx context.Context, key string) error
	// Sweep removes expired records and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

func validKeyTTL(key string, ttl time.Duration) error {
	if key == "" || ttl <= 0 {
		return ErrInvalidInput
	}
	return nil
}
