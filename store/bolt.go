package store

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// bucketEntries holds all cache entry blobs, keyed by storage key.
var bucketEntries = []byte("entries")

// Bolt implements ByteStore using a single-file bbolt database. Suits the
// bridge deployment: one file, transactional writes, no external service.
type Bolt struct {
	db *bbolt.DB
}

// BoltOption configures a Bolt store.
type BoltOption func(*boltConfig)

type boltConfig struct {
	noSync bool
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(c *boltConfig) {
		c.noSync = noSync
	}
}

// NewBolt opens (or creates) a bbolt database at the given path.
func NewBolt(path string, opts ...BoltOption) (*Bolt, error) {
	var cfg boltConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Read retrieves the value at the given key.
func (b *Bolt) Read(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Copy out: bbolt memory is only valid for the transaction lifetime
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Write stores value at the given key.
func (b *Bolt) Write(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), value)
	})
}

// Delete removes the value at the given key.
func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Keys returns every key currently stored.
func (b *Bolt) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Compile-time interface check
var _ ByteStore = (*Bolt)(nil)
