package shiftcore

import (
	"fmt"
	"time"
)

// DefaultFreshnessBound is the maximum age of a position sample still
// considered valid for an eligibility decision.
const DefaultFreshnessBound = 2 * time.Minute

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Position is a device location fix. Produced only by the location tracker;
// consumed read-only by eligibility checks.
type Position struct {
	Latitude                 float64   `json:"latitude"`
	Longitude                float64   `json:"longitude"`
	HorizontalAccuracyMeters float64   `json:"horizontal_accuracy_meters"`
	CapturedAt               time.Time `json:"captured_at"`
}

// Coordinates returns the fix's coordinate pair.
func (p Position) Coordinates() Coordinates {
	return Coordinates{Latitude: p.Latitude, Longitude: p.Longitude}
}

// Age returns how old the fix is relative to now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.CapturedAt)
}

// IsZero reports whether the position carries no fix at all.
func (p Position) IsZero() bool {
	return p == Position{}
}

// PermissionState mirrors the OS-level location authorization status.
// Transitions are driven exclusively by the platform collaborator; nothing
// in this module infers a permission state on its own.
type PermissionState string

const (
	PermissionNotDetermined       PermissionState = "not_determined"
	PermissionDenied              PermissionState = "denied"
	PermissionRestricted          PermissionState = "restricted"
	PermissionAuthorizedWhenInUse PermissionState = "authorized_when_in_use"
	PermissionAuthorizedAlways    PermissionState = "authorized_always"
)

// ParsePermissionState parses and validates a permission state string.
func ParsePermissionState(s string) (PermissionState, error) {
	p := PermissionState(s)
	switch p {
	case PermissionNotDetermined, PermissionDenied, PermissionRestricted,
		PermissionAuthorizedWhenInUse, PermissionAuthorizedAlways:
		return p, nil
	default:
		return "", fmt.Errorf("unknown permission state %q", s)
	}
}

// Authorized reports whether position updates may be requested.
func (s PermissionState) Authorized() bool {
	return s == PermissionAuthorizedWhenInUse || s == PermissionAuthorizedAlways
}

// Determined reports whether the user has answered the permission prompt,
// in either direction.
func (s PermissionState) Determined() bool {
	return s != PermissionNotDetermined && s != ""
}

// Blocked reports whether authorization has been refused outright, either
// by the user or by a device policy.
func (s PermissionState) Blocked() bool {
	return s == PermissionDenied || s == PermissionRestricted
}
