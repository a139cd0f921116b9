package collections

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/cache"
	"github.com/christiancattaneo/shift-core/remote"
)

// Hub bundles the per-collection repositories built over one shared cache
// and remote store.
type Hub struct {
	Members  *Repository[shiftcore.Member]
	Events   *Repository[shiftcore.Event]
	Places   *Repository[shiftcore.Place]
	Profile  *Repository[shiftcore.Profile]
	CheckIns *Repository[shiftcore.CheckInRecord]

	cache *cache.Cache
}

// NewHub builds a repository for every collection. The options apply to
// every repository; use WithTTLOverrides rather than WithTTL to vary TTLs
// across collections.
func NewHub(c *cache.Cache, rs remote.Store, opts ...Option) *Hub {
	return &Hub{
		Members:  NewRepository[shiftcore.Member](shiftcore.CollectionMembers, shiftcore.SchemaMembers, c, rs, opts...),
		Events:   NewRepository[shiftcore.Event](shiftcore.CollectionEvents, shiftcore.SchemaEvents, c, rs, opts...),
		Places:   NewRepository[shiftcore.Place](shiftcore.CollectionPlaces, shiftcore.SchemaPlaces, c, rs, opts...),
		Profile:  NewRepository[shiftcore.Profile](shiftcore.CollectionUserProfile, shiftcore.SchemaUserProfile, c, rs, opts...),
		CheckIns: NewRepository[shiftcore.CheckInRecord](shiftcore.CollectionCheckIns, shiftcore.SchemaCheckIns, c, rs, opts...),
		cache:    c,
	}
}

// RefreshAll force-fetches every collection in parallel. The first error is
// returned, but every sibling refresh runs to completion either way.
func (h *Hub) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { _, _, err := h.Members.Fetch(ctx, true); return err })
	g.Go(func() error { _, _, err := h.Events.Fetch(ctx, true); return err })
	g.Go(func() error { _, _, err := h.Places.Fetch(ctx, true); return err })
	g.Go(func() error { _, _, err := h.Profile.Fetch(ctx, true); return err })
	g.Go(func() error { _, _, err := h.CheckIns.Fetch(ctx, true); return err })
	return g.Wait()
}

// InvalidateAll evicts every cached collection. Used on sign-out.
func (h *Hub) InvalidateAll(ctx context.Context) {
	h.cache.InvalidateAll(ctx)
}

// RecordCheckIn prepends a freshly created record to the cached check-ins
// collection so the UI sees it before the next refetch. The next remote
// refresh replaces the whole payload and is authoritative.
func (h *Hub) RecordCheckIn(ctx context.Context, rec shiftcore.CheckInRecord) {
	var records []shiftcore.CheckInRecord
	if entry, ok := h.cache.GetStale(ctx, shiftcore.CollectionCheckIns); ok && entry.Schema == shiftcore.SchemaCheckIns {
		// A stale base is fine here; an undecodable one starts fresh.
		_ = json.Unmarshal(entry.Payload, &records)
	}

	out := make([]shiftcore.CheckInRecord, 0, len(records)+1)
	out = append(out, rec)
	for _, r := range records {
		// A server-side idempotent retry can hand back a record already
		// present.
		if r.ID != rec.ID {
			out = append(out, r)
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return
	}
	h.cache.Put(ctx, shiftcore.CollectionCheckIns, shiftcore.SchemaCheckIns, payload, shiftcore.DefaultTTL(shiftcore.CollectionCheckIns))
}

// Fetch serves a collection by key as untyped records, for surfaces that
// route on the key (the bridge API). force semantics match Repository.Fetch.
func (h *Hub) Fetch(ctx context.Context, key shiftcore.CollectionKey, force bool) (any, Source, error) {
	switch key {
	case shiftcore.CollectionMembers:
		return h.Members.Fetch(ctx, force)
	case shiftcore.CollectionEvents:
		return h.Events.Fetch(ctx, force)
	case shiftcore.CollectionPlaces:
		return h.Places.Fetch(ctx, force)
	case shiftcore.CollectionUserProfile:
		return h.Profile.Fetch(ctx, force)
	case shiftcore.CollectionCheckIns:
		return h.CheckIns.Fetch(ctx, force)
	default:
		return nil, "", fmt.Errorf("unknown collection key %q", key)
	}
}
