// Package checkin orchestrates "may this user check in to this venue right
// now": permission gate, fresh position, geofence eligibility, then exactly
// one remote write.
package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/collections"
	"github.com/christiancattaneo/shift-core/geo"
	"github.com/christiancattaneo/shift-core/location"
	"github.com/christiancattaneo/shift-core/remote"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// Idempotency keys for unresolved attempts, bounded so an abandoned session
// cannot grow the ledger forever.
const maxLedgerEntries = 64

// Coordinator runs check-in attempts. It holds no state worth persisting:
// discard and recreate per UI session.
type Coordinator struct {
	tracker        *location.Tracker
	remote         remote.Store
	hub            *collections.Hub
	logger         *slog.Logger
	now            func() time.Time
	freshnessBound time.Duration
	newID          func() string

	mu     sync.Mutex
	ledger map[string]string
	order  []string

	subs *subscribers
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithNow sets the clock used for eligibility freshness. Defaults to
// time.Now.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithFreshnessBound sets the maximum position age accepted for a decision.
// Defaults to shiftcore.DefaultFreshnessBound.
func WithFreshnessBound(d time.Duration) Option {
	return func(c *Coordinator) {
		c.freshnessBound = d
	}
}

// WithIDGenerator overrides idempotency key generation. Defaults to
// uuid.NewString.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		c.newID = fn
	}
}

// NewCoordinator wires a coordinator over the tracker and remote store. hub
// may be nil; without it successful check-ins skip the optimistic cache
// update.
func NewCoordinator(tracker *location.Tracker, rs remote.Store, hub *collections.Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		tracker:        tracker,
		remote:         rs,
		hub:            hub,
		logger:         slog.Default(),
		now:            time.Now,
		freshnessBound: shiftcore.DefaultFreshnessBound,
		newID:          uuid.NewString,
		ledger:         make(map[string]string),
		subs:           newSubscribers(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "checkin")
	return c
}

// Attempt runs one check-in attempt, in strict order: permission gate,
// fresh position, eligibility, single write. The remote store is never
// touched without authorization, and a failed write is never retried here.
func (c *Coordinator) Attempt(ctx context.Context, intent shiftcore.CheckInIntent) (shiftcore.CheckInRecord, error) {
	if err := intent.Validate(); err != nil {
		return shiftcore.CheckInRecord{}, err
	}

	auth := c.tracker.Authorization(ctx)
	if !auth.Authorized() {
		telemetry.RecordCheckIn(ctx, "permission_required", 0)
		return shiftcore.CheckInRecord{}, &PermissionRequiredError{State: auth}
	}

	pos, err := c.tracker.CurrentPosition(ctx, c.freshnessBound)
	if err != nil {
		telemetry.RecordCheckIn(ctx, "location_unavailable", 0)
		return shiftcore.CheckInRecord{}, &LocationUnavailableError{Err: err}
	}

	res := geo.Evaluate(pos, intent.VenueCoordinates, intent.RadiusMeters,
		geo.WithNow(c.now), geo.WithFreshnessBound(c.freshnessBound))
	switch res.Verdict {
	case geo.VerdictEligible:
	case geo.VerdictTooFar:
		telemetry.RecordCheckIn(ctx, "out_of_range", res.DistanceMeters)
		return shiftcore.CheckInRecord{}, &OutOfRangeError{DistanceMeters: res.DistanceMeters, RadiusMeters: res.RadiusMeters}
	case geo.VerdictPositionUnavailable:
		telemetry.RecordCheckIn(ctx, "location_unavailable", 0)
		return shiftcore.CheckInRecord{}, &LocationUnavailableError{Err: fmt.Errorf("position unusable: %s", res.Reason)}
	case geo.VerdictPermissionRequired:
		telemetry.RecordCheckIn(ctx, "permission_required", 0)
		return shiftcore.CheckInRecord{}, &PermissionRequiredError{State: res.Permission}
	default:
		return shiftcore.CheckInRecord{}, fmt.Errorf("unhandled eligibility verdict %q", res.Verdict)
	}

	key := c.idempotencyKey(intent)
	rec, err := c.remote.CreateCheckIn(ctx, remote.CheckInRequest{
		IdempotencyKey: key,
		UserID:         intent.UserID,
		VenueID:        intent.VenueID,
		VenueName:      intent.VenueName,
		DistanceMeters: res.DistanceMeters,
	})
	if err != nil {
		// The key stays in the ledger so a user-initiated retry of this
		// same attempt cannot double-book server-side.
		c.logger.Warn("check-in write failed", "venue_id", intent.VenueID, "error", err)
		telemetry.RecordCheckIn(ctx, "write_failed", res.DistanceMeters)
		return shiftcore.CheckInRecord{}, &WriteFailedError{Err: err}
	}
	c.resolveIntent(intent)

	if c.hub != nil {
		c.hub.RecordCheckIn(ctx, rec)
	}
	c.subs.publish(ctx, Completion{Record: rec, DistanceMeters: res.DistanceMeters})
	telemetry.RecordCheckIn(ctx, "success", res.DistanceMeters)
	c.logger.Info("checked in", "venue_id", intent.VenueID, "distance_m", res.DistanceMeters)
	return rec, nil
}

// Subscribe registers for completion events. Cancel releases the
// subscription and closes the channel.
func (c *Coordinator) Subscribe() (<-chan Completion, func()) {
	return c.subs.subscribe()
}

func fingerprint(intent shiftcore.CheckInIntent) string {
	return intent.UserID + "|" + intent.VenueID
}

// idempotencyKey returns the key for this logical attempt, reusing the one
// minted by a previous unresolved try of the same user/venue pair.
func (c *Coordinator) idempotencyKey(intent shiftcore.CheckInIntent) string {
	fp := fingerprint(intent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.ledger[fp]; ok {
		return key
	}

	key := c.newID()
	c.ledger[fp] = key
	c.order = append(c.order, fp)
	if len(c.order) > maxLedgerEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.ledger, oldest)
	}
	return key
}

// resolveIntent forgets a completed attempt; the next check-in at the same
// venue is a new attempt with a new key.
func (c *Coordinator) resolveIntent(intent shiftcore.CheckInIntent) {
	fp := fingerprint(intent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ledger[fp]; !ok {
		return
	}
	delete(c.ledger, fp)
	for i, f := range c.order {
		if f == fp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
