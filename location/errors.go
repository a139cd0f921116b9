package location

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means positioning was refused because location
	// authorization has not been granted.
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrTimeout means a one-shot position request did not resolve within
	// its deadline.
	ErrTimeout = errors.New("location request timed out")
)

// PositioningError wraps an OS-level positioning failure, distinct from
// permission problems and timeouts.
type PositioningError struct {
	Cause error
}

func (e *PositioningError) Error() string {
	return fmt.Sprintf("positioning failed: %v", e.Cause)
}

func (e *PositioningError) Unwrap() error {
	return e.Cause
}
