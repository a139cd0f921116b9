// Package collections implements the cached collection repositories: typed
// reads over the persistent cache with coalesced remote refresh and
// stale-if-error fallback.
package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/cache"
	"github.com/christiancattaneo/shift-core/remote"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// Source identifies what ultimately served a fetch.
type Source string

const (
	// SourceCache means a fresh cached copy was served with no network call.
	SourceCache Source = "cache"
	// SourceRemote means the records came from a remote fetch.
	SourceRemote Source = "remote"
	// SourceStale means the remote fetch failed and an expired cached copy
	// was served instead.
	SourceStale Source = "stale"
)

// Repository serves one collection as typed records. Reads are cache-first;
// refreshes are coalesced so at most one remote fetch per collection is in
// flight at a time.
type Repository[T any] struct {
	key    shiftcore.CollectionKey
	schema uint32
	ttl    time.Duration
	cache  *cache.Cache
	remote remote.Store
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group
}

type config struct {
	ttl      time.Duration
	ttlByKey map[shiftcore.CollectionKey]time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Repository (or every repository of a Hub).
type Option func(*config)

// WithTTL overrides the collection's default TTL.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		c.ttl = d
	}
}

// WithTTLOverrides overrides TTLs per collection. Keys absent from the map
// (or mapped to zero) keep their defaults. A per-key entry beats WithTTL;
// this is how a Hub gets different TTLs across its repositories.
func WithTTLOverrides(ttls map[shiftcore.CollectionKey]time.Duration) Option {
	return func(c *config) {
		c.ttlByKey = ttls
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithNow sets the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// NewRepository creates a repository for one collection over a shared cache
// and remote store.
func NewRepository[T any](key shiftcore.CollectionKey, schema uint32, c *cache.Cache, rs remote.Store, opts ...Option) *Repository[T] {
	cfg := config{
		ttl:    shiftcore.DefaultTTL(key),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if d, ok := cfg.ttlByKey[key]; ok && d > 0 {
		cfg.ttl = d
	}

	return &Repository[T]{
		key:    key,
		schema: schema,
		ttl:    cfg.ttl,
		cache:  c,
		remote: rs,
		logger: cfg.logger,
		now:    cfg.now,
	}
}

// Key returns the collection key this repository serves.
func (r *Repository[T]) Key() shiftcore.CollectionKey {
	return r.key
}

// Fetch returns the collection's records and where they came from. Without
// force, a fresh cached copy is returned with no network call. Otherwise one
// coalesced remote fetch runs; on remote failure any cached copy is served
// stale, and with no cached copy at all the error surfaces: ErrUnavailable
// for transport failures, *remote.Error for server responses, *DecodeError
// for malformed payloads (never masked by stale data).
func (r *Repository[T]) Fetch(ctx context.Context, force bool) ([]T, Source, error) {
	// One read up front; the held entry doubles as the stale-if-error copy
	// so an eviction between reads can never lose it.
	entry, ok := r.cache.GetStale(ctx, r.key)
	if ok && entry.Schema != r.schema {
		r.logger.Warn("cached schema mismatch, discarding",
			"collection", r.key,
			"stored_schema", entry.Schema,
			"want_schema", r.schema)
		r.cache.Invalidate(ctx, r.key)
		telemetry.RecordCacheLookup(ctx, r.key.String(), "miss_schema")
		entry, ok = nil, false
	}

	if !force && ok && entry.Fresh(r.now()) {
		records, err := decodeRecords[T](entry.Payload)
		if err == nil {
			telemetry.RecordFetch(ctx, r.key.String(), string(SourceCache), force)
			return records, SourceCache, nil
		}
		r.logger.Warn("cached records failed to decode, evicting",
			"collection", r.key, "error", err)
		r.cache.Invalidate(ctx, r.key)
		entry, ok = nil, false
	}

	records, err := r.refresh(ctx)
	if err == nil {
		telemetry.RecordFetch(ctx, r.key.String(), string(SourceRemote), force)
		return records, SourceRemote, nil
	}

	// The caller abandoned the wait; the coalesced fetch continues for
	// other callers, so no fallback decision belongs to this one.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, "", err
	}

	// Malformed remote payloads surface as-is: the prior cache value is
	// preserved but not silently substituted.
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		telemetry.RecordFetchError(ctx, r.key.String(), "decode")
		return nil, "", err
	}

	if ok {
		stale, staleErr := decodeRecords[T](entry.Payload)
		if staleErr == nil {
			r.logger.Warn("remote fetch failed, serving stale cache",
				"collection", r.key, "error", err)
			telemetry.RecordFetch(ctx, r.key.String(), string(SourceStale), force)
			return stale, SourceStale, nil
		}
		r.logger.Warn("stale fallback failed to decode, evicting",
			"collection", r.key, "error", staleErr)
		r.cache.Invalidate(ctx, r.key)
	}

	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) {
		telemetry.RecordFetchError(ctx, r.key.String(), "remote")
		return nil, "", err
	}

	telemetry.RecordFetchError(ctx, r.key.String(), "unavailable")
	return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Invalidate evicts the collection's cached copy.
func (r *Repository[T]) Invalidate(ctx context.Context) {
	r.cache.Invalidate(ctx, r.key)
}

// refresh performs one coalesced remote fetch. Concurrent callers share the
// in-flight result; a caller's cancellation abandons its wait without
// aborting the fetch, so the cache is still populated for later callers.
func (r *Repository[T]) refresh(ctx context.Context) ([]T, error) {
	ch := r.group.DoChan(r.key.String(), func() (any, error) {
		return r.fetchRemote(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			telemetry.RecordFetchCoalesced(ctx, r.key.String())
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]T), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Repository[T]) fetchRemote(ctx context.Context) ([]T, error) {
	payload, err := r.remote.FetchCollection(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", r.key, err)
	}

	records, err := decodeRecords[T](payload)
	if err != nil {
		return nil, &DecodeError{Key: r.key, Schema: r.schema, Err: err}
	}

	r.cache.Put(ctx, r.key, r.schema, payload, r.ttl)
	return records, nil
}

// decodeRecords unmarshals a JSON array payload. Unknown fields are dropped;
// a payload that is not an array of the record shape fails as a whole, never
// partially.
func decodeRecords[T any](payload []byte) ([]T, error) {
	var records []T
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}
	return records, nil
}
