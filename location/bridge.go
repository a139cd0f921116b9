package location

import (
	"context"
	"log/slog"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// Buffer for the position and authorization streams handed to the tracker.
const streamBuffer = 16

// oneShotResult settles a pending RequestOneShot exactly once.
type oneShotResult struct {
	pos shiftcore.Position
	err error
}

// BridgeFlags is what the platform shell polls to learn what the core wants
// from the device.
type BridgeFlags struct {
	PromptRequested bool `json:"prompt_requested"`
	TrackingWanted  bool `json:"tracking_wanted"`
}

// BridgeSource is a DeviceLocationSource fed by the platform shell over the
// bridge API. The core never reaches the device positioning stack itself:
// the shell pushes fixes and authorization changes in, and polls Flags to
// learn when a permission prompt or continuous tracking is wanted.
type BridgeSource struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	auth     shiftcore.PermissionState
	prompted bool
	tracking bool
	waiters  []chan oneShotResult

	positions      chan shiftcore.Position
	authorizations chan shiftcore.PermissionState
}

// BridgeOption configures a BridgeSource.
type BridgeOption func(*BridgeSource)

// WithBridgeLogger sets the logger. Defaults to slog.Default().
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *BridgeSource) {
		b.logger = logger
	}
}

// WithBridgeNow sets the clock used to stamp unstamped fixes.
func WithBridgeNow(now func() time.Time) BridgeOption {
	return func(b *BridgeSource) {
		b.now = now
	}
}

// NewBridgeSource creates a source with authorization not determined and no
// fix. It reports nothing until the shell pushes.
func NewBridgeSource(opts ...BridgeOption) *BridgeSource {
	b := &BridgeSource{
		logger:         slog.Default(),
		now:            time.Now,
		auth:           shiftcore.PermissionNotDetermined,
		positions:      make(chan shiftcore.Position, streamBuffer),
		authorizations: make(chan shiftcore.PermissionState, streamBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge_source")
	return b
}

// RequestPermission records that a prompt is wanted; the shell discovers it
// via Flags and drives the OS prompt. The answer arrives via
// PushAuthorization.
func (b *BridgeSource) RequestPermission(context.Context) error {
	b.mu.Lock()
	b.prompted = true
	b.mu.Unlock()

	b.logger.Debug("permission prompt requested")
	return nil
}

// CurrentAuthorization returns the authorization last pushed by the shell.
func (b *BridgeSource) CurrentAuthorization(context.Context) shiftcore.PermissionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.auth
}

// Positions returns the continuous fix stream.
func (b *BridgeSource) Positions() <-chan shiftcore.Position {
	return b.positions
}

// Authorizations returns the authorization change stream.
func (b *BridgeSource) Authorizations() <-chan shiftcore.PermissionState {
	return b.authorizations
}

// RequestOneShot blocks until the shell pushes the next fix, the
// authorization turns blocked, or the context deadline passes.
func (b *BridgeSource) RequestOneShot(ctx context.Context) (shiftcore.Position, error) {
	b.mu.Lock()
	if b.auth.Blocked() {
		b.mu.Unlock()
		return shiftcore.Position{}, ErrPermissionDenied
	}
	ch := make(chan oneShotResult, 1)
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case res := <-ch:
		return res.pos, res.err
	case <-ctx.Done():
		b.removeWaiter(ch)
		return shiftcore.Position{}, ctx.Err()
	}
}

// StartUpdates records that continuous tracking is wanted; the shell picks
// it up via Flags.
func (b *BridgeSource) StartUpdates(context.Context) error {
	b.mu.Lock()
	b.tracking = true
	b.mu.Unlock()

	b.logger.Debug("continuous updates requested")
	return nil
}

// StopUpdates clears the tracking request.
func (b *BridgeSource) StopUpdates(context.Context) error {
	b.mu.Lock()
	b.tracking = false
	b.mu.Unlock()

	b.logger.Debug("continuous updates stopped")
	return nil
}

// PushPosition delivers a fix from the shell: pending one-shots resolve with
// it and it is offered to the continuous stream. A fix without a capture
// time is stamped on arrival.
func (b *BridgeSource) PushPosition(pos shiftcore.Position) {
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = b.now()
	}

	b.mu.Lock()
	b.resolveWaitersLocked(oneShotResult{pos: pos})
	b.mu.Unlock()

	select {
	case b.positions <- pos:
	default:
		// Stream full: the consumer lags, and a newer fix supersedes a
		// queued one anyway.
		telemetry.RecordSubscriberDrop(context.Background(), "bridge_source")
	}
}

// PushAuthorization delivers an authorization change from the shell. A
// determined answer clears the prompt request; a blocked answer fails any
// pending one-shots.
func (b *BridgeSource) PushAuthorization(state shiftcore.PermissionState) {
	b.mu.Lock()
	b.auth = state
	if state.Determined() {
		b.prompted = false
	}
	if state.Blocked() {
		b.resolveWaitersLocked(oneShotResult{err: ErrPermissionDenied})
	}
	b.mu.Unlock()

	select {
	case b.authorizations <- state:
	default:
		telemetry.RecordSubscriberDrop(context.Background(), "bridge_source")
	}
}

// Flags reports what the core currently wants from the shell.
func (b *BridgeSource) Flags() BridgeFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BridgeFlags{PromptRequested: b.prompted, TrackingWanted: b.tracking}
}

// resolveWaitersLocked settles every pending one-shot. Caller holds b.mu;
// waiter channels are buffered so sends never block.
func (b *BridgeSource) resolveWaitersLocked(res oneShotResult) {
	for _, ch := range b.waiters {
		ch <- res
	}
	b.waiters = nil
}

func (b *BridgeSource) removeWaiter(ch chan oneShotResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

var _ DeviceLocationSource = (*BridgeSource)(nil)
