package cache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/store"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// Cache is the persistent collection cache. It owns the envelope encoding,
// integrity checking, and expiry; typed record decoding belongs to the
// repository layer. Storage failures degrade to miss or to memory-only
// serving, never to an error surfaced to the caller.
type Cache struct {
	store  store.ByteStore
	codec  *codec
	logger *slog.Logger
	now    func() time.Time

	// mirror serves reads without storage I/O and keeps Put results visible
	// for the process lifetime even when the store is failing.
	mu     sync.RWMutex
	mirror map[shiftcore.CollectionKey]*Entry

	lockMu   sync.Mutex
	keyLocks map[shiftcore.CollectionKey]*sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache over the given byte store.
func New(st store.ByteStore, opts ...Option) (*Cache, error) {
	cdc, err := newCodec()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:    st,
		codec:    cdc,
		logger:   slog.Default(),
		now:      time.Now,
		mirror:   make(map[shiftcore.CollectionKey]*Entry),
		keyLocks: make(map[shiftcore.CollectionKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Put stores a payload under the given collection key with the given TTL.
// It never fails the caller: storage errors are logged and the in-memory
// mirror still serves the value for this process. Writes to the same key
// serialize; different keys proceed concurrently.
func (c *Cache) Put(ctx context.Context, key shiftcore.CollectionKey, schema uint32, payload []byte, ttl time.Duration) {
	entry := &Entry{
		Key:      key.String(),
		Schema:   schema,
		StoredAt: c.now(),
		TTL:      ttl,
		Payload:  append([]byte(nil), payload...),
	}

	unlock := c.lockKey(key)
	defer unlock()

	c.mu.Lock()
	c.mirror[key] = entry
	c.mu.Unlock()

	encoded, err := c.codec.encode(entry)
	if err != nil {
		c.logger.Error("encoding cache entry", "collection", key, "error", err)
		telemetry.RecordCacheWrite(ctx, key.String(), "encode_error", 0)
		return
	}

	if err := c.store.Write(ctx, key.StorageKey(), encoded); err != nil {
		c.logger.Error("writing cache entry, serving from memory only", "collection", key, "error", err)
		telemetry.RecordCacheWrite(ctx, key.String(), "store_error", int64(len(encoded)))
		return
	}

	telemetry.RecordCacheWrite(ctx, key.String(), "success", int64(len(encoded)))
}

// Get returns the entry for key only while it is fresh. Expired entries are
// evicted and reported as a miss; they do not resurrect. Storage read errors
// and corruption also report a miss.
func (c *Cache) Get(ctx context.Context, key shiftcore.CollectionKey) (*Entry, bool) {
	entry, miss := c.peek(ctx, key)
	if entry == nil {
		telemetry.RecordCacheLookup(ctx, key.String(), miss)
		return nil, false
	}

	if !entry.Fresh(c.now()) {
		c.evict(ctx, key, "expired")
		telemetry.RecordCacheLookup(ctx, key.String(), "miss_expired")
		return nil, false
	}

	telemetry.RecordCacheLookup(ctx, key.String(), "hit")
	return entry, true
}

// GetStale returns any readable entry for key regardless of expiry. Only
// corruption is skipped (and evicted). The repository layer uses it for
// stale-if-error fallback.
func (c *Cache) GetStale(ctx context.Context, key shiftcore.CollectionKey) (*Entry, bool) {
	entry, miss := c.peek(ctx, key)
	if entry == nil {
		telemetry.RecordCacheLookup(ctx, key.String(), miss)
		return nil, false
	}

	result := "hit"
	if !entry.Fresh(c.now()) {
		result = "stale_hit"
	}
	telemetry.RecordCacheLookup(ctx, key.String(), result)
	return entry, true
}

// Invalidate evicts the entry for key. Absent keys are a no-op.
func (c *Cache) Invalidate(ctx context.Context, key shiftcore.CollectionKey) {
	unlock := c.lockKey(key)
	defer unlock()

	c.evict(ctx, key, "invalidate")
}

// InvalidateAll evicts every stored entry. Used on sign-out.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.mirror = make(map[shiftcore.CollectionKey]*Entry)
	c.mu.Unlock()

	keys, err := c.store.Keys(ctx)
	if err != nil {
		c.logger.Error("enumerating store keys", "error", err)
		return
	}

	for _, k := range keys {
		if err := c.store.Delete(ctx, k); err != nil {
			c.logger.Warn("deleting cache entry", "key", k, "error", err)
			continue
		}
		telemetry.RecordCacheEviction(ctx, collectionLabel(k), "sign_out")
	}
}

// KeyStatus describes one collection's cache state for diagnostics.
type KeyStatus struct {
	Key       shiftcore.CollectionKey `json:"key"`
	Present   bool                    `json:"present"`
	Fresh     bool                    `json:"fresh"`
	Schema    uint32                  `json:"schema,omitempty"`
	StoredAt  *time.Time              `json:"stored_at,omitempty"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
	SizeBytes int                     `json:"size_bytes,omitempty"`
}

// Stats reports the cache state of every known collection key. Diagnostics
// only; it does not count as a lookup or evict anything.
func (c *Cache) Stats(ctx context.Context) []KeyStatus {
	now := c.now()
	out := make([]KeyStatus, 0, len(shiftcore.AllCollectionKeys()))
	for _, key := range shiftcore.AllCollectionKeys() {
		entry, _ := c.peek(ctx, key)
		if entry == nil {
			out = append(out, KeyStatus{Key: key})
			continue
		}

		status := KeyStatus{
			Key:       key,
			Present:   true,
			Fresh:     entry.Fresh(now),
			Schema:    entry.Schema,
			StoredAt:  &entry.StoredAt,
			SizeBytes: len(entry.Payload),
		}
		if expiry, ok := entry.ExpiresAt(); ok {
			status.ExpiresAt = &expiry
		}
		out = append(out, status)
	}
	return out
}

// Close releases the codec and closes the underlying store.
func (c *Cache) Close() error {
	c.codec.close()
	return c.store.Close()
}

// peek returns the entry for key from the mirror or the store, without
// expiry checks or lookup metrics. The second return names the miss reason
// when the entry is nil.
func (c *Cache) peek(ctx context.Context, key shiftcore.CollectionKey) (*Entry, string) {
	c.mu.RLock()
	entry := c.mirror[key]
	c.mu.RUnlock()
	if entry != nil {
		return entry, ""
	}
	return c.load(ctx, key)
}

// load reads an entry from the byte store and populates the mirror.
func (c *Cache) load(ctx context.Context, key shiftcore.CollectionKey) (*Entry, string) {
	data, err := c.store.Read(ctx, key.StorageKey())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "miss_absent"
		}
		// Unreadable storage is treated as expired, not fatal.
		c.logger.Warn("reading cache entry", "collection", key, "error", err)
		return nil, "miss_error"
	}

	entry, err := c.codec.decode(data)
	if err != nil {
		c.logger.Warn("corrupt cache entry, evicting", "collection", key, "error", err)
		c.evict(ctx, key, "corrupt")
		return nil, "miss_corrupt"
	}
	if entry.Key != key.String() {
		c.logger.Warn("cache entry key mismatch, evicting", "collection", key, "stored_key", entry.Key)
		c.evict(ctx, key, "corrupt")
		return nil, "miss_corrupt"
	}

	c.mu.Lock()
	// Populate only when absent so older store bytes never overwrite a
	// concurrent Put.
	if _, exists := c.mirror[key]; !exists {
		c.mirror[key] = entry
	}
	c.mu.Unlock()

	return entry, ""
}

// evict removes the entry from mirror and store.
func (c *Cache) evict(ctx context.Context, key shiftcore.CollectionKey, reason string) {
	c.mu.Lock()
	delete(c.mirror, key)
	c.mu.Unlock()

	if err := c.store.Delete(ctx, key.StorageKey()); err != nil {
		c.logger.Warn("evicting cache entry", "collection", key, "error", err)
	}
	telemetry.RecordCacheEviction(ctx, key.String(), reason)
}

// lockKey acquires the per-key write lock, creating it on first use.
func (c *Cache) lockKey(key shiftcore.CollectionKey) func() {
	c.lockMu.Lock()
	l, ok := c.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.keyLocks[key] = l
	}
	c.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

func collectionLabel(storageKey string) string {
	return strings.TrimPrefix(storageKey, "collection/")
}
