package store

import (
	"context"
	"errors"
	"time"

	"github.com/christiancattaneo/shift-core/telemetry"
)

// Instrumented wraps a ByteStore and records an operation metric for every
// call. The name identifies the underlying store in metric attributes, e.g.
// "filesystem" or "bolt".
type Instrumented struct {
	store ByteStore
	name  string
}

// NewInstrumented creates an instrumented wrapper around the given store.
func NewInstrumented(store ByteStore, name string) *Instrumented {
	return &Instrumented{store: store, name: name}
}

// Read retrieves the value at the given key, recording outcome and size.
func (i *Instrumented) Read(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := i.store.Read(ctx, key)
	telemetry.RecordStoreOp(ctx, i.name, "read", outcomeFromError(err), time.Since(start), int64(len(value)))
	return value, err
}

// Write stores value at the given key, recording outcome and size.
func (i *Instrumented) Write(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := i.store.Write(ctx, key, value)
	telemetry.RecordStoreOp(ctx, i.name, "write", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

// Delete removes the value at the given key, recording the outcome.
func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.store.Delete(ctx, key)
	telemetry.RecordStoreOp(ctx, i.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Keys returns every key currently stored, recording the outcome.
func (i *Instrumented) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := i.store.Keys(ctx)
	telemetry.RecordStoreOp(ctx, i.name, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Close closes the underlying store.
func (i *Instrumented) Close() error {
	return i.store.Close()
}

// Unwrap returns the wrapped store.
func (i *Instrumented) Unwrap() ByteStore {
	return i.store
}

// outcomeFromError maps an operation error to a metric outcome label.
func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Compile-time interface check
var _ ByteStore = (*Instrumented)(nil)
