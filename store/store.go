// Package store provides byte storage for serialized cache entries.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// ByteStore is the persistence collaborator consumed by the cache layer.
// Implementations must be safe for concurrent use, and writes must be
// atomic per key: a reader never observes a partially written value.
type ByteStore interface {
	// Read retrieves the value at the given key.
	// Returns ErrNotFound if the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, value []byte) error

	// Delete removes the value at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Keys returns every key currently stored.
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}
