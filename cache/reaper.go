package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/store"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// DefaultRetention is how long entries are kept past expiry before the
// reaper deletes them. The grace period keeps stale-if-error fallback
// working across realistic offline windows; lazy expiry on Get remains
// authoritative for freshness.
const DefaultRetention = 24 * time.Hour

// Reaper periodically deletes entries that expired longer than the
// retention period ago, so the byte store does not grow unboundedly
// between reads.
type Reaper struct {
	cache     *Cache
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLogger sets the logger. Defaults to slog.Default().
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithRetention sets how long entries survive past expiry before being
// reaped. Defaults to DefaultRetention.
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.retention = d
	}
}

// NewReaper creates a reaper over the given cache. An interval <= 0
// disables the background loop; ReapNow still works.
func NewReaper(c *Cache, interval time.Duration, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		cache:     c,
		interval:  interval,
		retention: DefaultRetention,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the background reap loop. It is a no-op when the interval
// disables the reaper, when already running, or after Stop.
func (r *Reaper) Start(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}

	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop halts the background loop and waits for it to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reaper started", "interval", r.interval, "retention", r.retention)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.ReapNow(ctx); err != nil {
				r.logger.Error("reap cycle failed", "error", err)
			}
		}
	}
}

// ReapNow runs a single reap cycle and returns the number of entries
// deleted.
func (r *Reaper) ReapNow(ctx context.Context) (int, error) {
	start := time.Now()
	now := r.cache.now()

	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, deleted, time.Since(start))
	}()

	keys, err := r.cache.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerating store keys: %w", err)
	}

	var failed int
	for _, k := range keys {
		reaped, err := r.reapKey(ctx, k, now)
		if err != nil {
			r.logger.Warn("reaping cache entry", "key", k, "error", err)
			failed++
			continue
		}
		if reaped {
			deleted++
		}
	}

	if deleted > 0 || failed > 0 {
		r.logger.Info("reap cycle complete", "deleted", deleted, "failed", failed, "duration", time.Since(start))
	} else {
		r.logger.Debug("reap cycle complete, nothing to reap")
	}
	return deleted, nil
}

// reapKey examines one stored entry and deletes it when it is corrupt or
// expired beyond retention. Collection keys are reaped under the cache's
// per-key write lock so an in-flight Put is never clobbered.
func (r *Reaper) reapKey(ctx context.Context, storageKey string, now time.Time) (bool, error) {
	ck, parseErr := shiftcore.ParseCollectionKey(collectionLabel(storageKey))
	if parseErr == nil {
		unlock := r.cache.lockKey(ck)
		defer unlock()
	}

	data, err := r.cache.store.Read(ctx, storageKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	hdr, err := r.cache.codec.decodeHeader(data)
	if err != nil {
		// Undecodable entries are dead weight; remove them now.
		if derr := r.cache.store.Delete(ctx, storageKey); derr != nil {
			return false, derr
		}
		telemetry.RecordCacheEviction(ctx, collectionLabel(storageKey), "corrupt")
		return true, nil
	}

	expiry, bounded := hdr.ExpiresAt()
	if !bounded || now.Before(expiry.Add(r.retention)) {
		return false, nil
	}

	if err := r.cache.store.Delete(ctx, storageKey); err != nil {
		return false, err
	}

	if parseErr == nil {
		// Drop the mirror copy only when it is past retention itself; a
		// newer memory-only value from a failed store write stays.
		r.cache.mu.Lock()
		if m := r.cache.mirror[ck]; m != nil {
			if mExpiry, mBounded := m.ExpiresAt(); mBounded && now.After(mExpiry.Add(r.retention)) {
				delete(r.cache.mirror, ck)
			}
		}
		r.cache.mu.Unlock()
	}

	telemetry.RecordCacheEviction(ctx, collectionLabel(storageKey), "reaped")
	return true, nil
}
