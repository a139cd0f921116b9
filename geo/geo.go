// Package geo decides whether a device fix lies within a venue's check-in
// geofence. Evaluate is pure and total: no clocks beyond the injected one,
// no collaborators, no side effects.
package geo

import (
	"math"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// Verdict tags an eligibility Result. Callers must handle every variant;
// anything unrecognized is a bug, never an implicit allow.
type Verdict string

const (
	VerdictEligible            Verdict = "eligible"
	VerdictTooFar              Verdict = "too_far"
	VerdictPositionUnavailable Verdict = "position_unavailable"
	VerdictPermissionRequired  Verdict = "permission_required"
)

// ReasonStalePosition marks a fix older than the freshness bound.
const ReasonStalePosition = "stale_position"

// Result is one eligibility decision. Fields beyond Verdict are populated
// per variant: DistanceMeters for eligible and too_far, RadiusMeters for
// too_far, Reason for position_unavailable, Permission for
// permission_required.
type Result struct {
	Verdict        Verdict
	DistanceMeters float64
	RadiusMeters   float64
	Reason         string
	Permission     shiftcore.PermissionState
}

// Eligible builds the in-range verdict.
func Eligible(distanceMeters float64) Result {
	return Result{Verdict: VerdictEligible, DistanceMeters: distanceMeters}
}

// TooFar builds the out-of-range verdict, carrying the computed distance for
// user-facing messaging.
func TooFar(distanceMeters, radiusMeters float64) Result {
	return Result{Verdict: VerdictTooFar, DistanceMeters: distanceMeters, RadiusMeters: radiusMeters}
}

// PositionUnavailable builds the no-usable-fix verdict.
func PositionUnavailable(reason string) Result {
	return Result{Verdict: VerdictPositionUnavailable, Reason: reason}
}

// PermissionRequired builds the not-authorized verdict. Evaluate never
// returns it; the check-in coordinator constructs it from tracker state so
// the four variants stay exhaustive at the point of decision.
func PermissionRequired(state shiftcore.PermissionState) Result {
	return Result{Verdict: VerdictPermissionRequired, Permission: state}
}

type config struct {
	now            func() time.Time
	freshnessBound time.Duration
}

// Option adjusts an Evaluate call.
type Option func(*config)

// WithNow overrides the clock used for position age checks.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithFreshnessBound overrides the maximum acceptable fix age.
func WithFreshnessBound(d time.Duration) Option {
	return func(c *config) {
		c.freshnessBound = d
	}
}

// Evaluate decides eligibility for a user fix against a venue geofence.
// A fix older than the freshness bound yields position_unavailable without
// computing distance; a stale fix must never produce a false eligible.
func Evaluate(user shiftcore.Position, venue shiftcore.Coordinates, radiusMeters float64, opts ...Option) Result {
	cfg := config{now: time.Now, freshnessBound: shiftcore.DefaultFreshnessBound}
	for _, opt := range opts {
		opt(&cfg)
	}

	if user.Age(cfg.now()) > cfg.freshnessBound {
		return PositionUnavailable(ReasonStalePosition)
	}

	distance := Distance(user.Coordinates(), venue)
	if distance <= radiusMeters {
		return Eligible(distance)
	}
	return TooFar(distance, radiusMeters)
}

// Mean Earth radius (IUGG), meters.
const earthRadiusMeters = 6371008.8

// Distance returns the great-circle distance between two coordinates in
// meters, by the haversine formula. Accurate well within 1% at the distances
// a check-in decision cares about.
func Distance(a, b shiftcore.Coordinates) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	if h > 1 {
		// Rounding can push h past 1 for near-antipodal pairs, which
		// would make Asin return NaN.
		h = 1
	}
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}
