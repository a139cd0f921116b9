package checkin

import (
	"fmt"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// PermissionRequiredError means location authorization is not granted. It is
// distinct from LocationUnavailableError so the UI can route to a settings
// prompt instead of a retry.
type PermissionRequiredError struct {
	State shiftcore.PermissionState
}

func (e *PermissionRequiredError) Error() string {
	return fmt.Sprintf("location permission required (currently %s)", e.State)
}

// LocationUnavailableError means no usable position could be obtained.
type LocationUnavailableError struct {
	Err error
}

func (e *LocationUnavailableError) Error() string {
	return fmt.Sprintf("location unavailable: %v", e.Err)
}

func (e *LocationUnavailableError) Unwrap() error {
	return e.Err
}

// OutOfRangeError means the user is outside the venue's check-in radius.
// The distance is carried for user-facing messaging.
type OutOfRangeError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("out of range: %.0fm from venue, allowed within %.0fm", e.DistanceMeters, e.RadiusMeters)
}

// WriteFailedError means the remote check-in write failed. The write is
// never retried automatically; retry is a user decision.
type WriteFailedError struct {
	Err error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("check-in write failed: %v", e.Err)
}

func (e *WriteFailedError) Unwrap() error {
	return e.Err
}
