package location

import (
	"context"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// DeviceLocationSource is the platform positioning collaborator. The tracker
// owns all state derived from it; implementations only surface what the
// device reports.
//
// Channel contract: Positions and Authorizations return the same channels on
// every call and stay open for the source's lifetime. Deliveries may be
// dropped when the consumer lags; a fix is a snapshot, not a queue item.
type DeviceLocationSource interface {
	// RequestPermission triggers the OS authorization prompt. The user's
	// answer arrives via Authorizations, not the return value.
	RequestPermission(ctx context.Context) error

	// CurrentAuthorization reports the OS-level authorization as last known.
	CurrentAuthorization(ctx context.Context) shiftcore.PermissionState

	// Positions streams fixes while continuous updates are running.
	Positions() <-chan shiftcore.Position

	// Authorizations streams authorization changes.
	Authorizations() <-chan shiftcore.PermissionState

	// RequestOneShot resolves with a single fresh fix, honoring the context
	// deadline. It resolves exactly once per call.
	RequestOneShot(ctx context.Context) (shiftcore.Position, error)

	// StartUpdates asks the device for continuous position updates.
	StartUpdates(ctx context.Context) error

	// StopUpdates halts continuous updates. A no-op when none are running.
	StopUpdates(ctx context.Context) error
}
