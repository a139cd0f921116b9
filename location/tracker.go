// Package location tracks device positioning for the check-in flow: OS
// authorization, continuous position updates while tracking is wanted, and
// bounded one-shot fixes. The tracker owns all derived state; the device
// itself is reached only through a DeviceLocationSource.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// State is the tracker's lifecycle state.
type State string

const (
	// StateUninitialized means no permission request has been made yet.
	StateUninitialized State = "uninitialized"
	// StatePermissionPending means the OS prompt is outstanding, or tracking
	// was requested before authorization was determined.
	StatePermissionPending State = "permission_pending"
	// StateDenied means the OS reported authorization denied or restricted.
	StateDenied State = "denied"
	// StateActive means continuous updates are flowing.
	StateActive State = "active"
	// StateSuspended means authorized but not currently tracking.
	StateSuspended State = "suspended"
)

// DefaultOneShotTimeout bounds a fresh-fix request made by CurrentPosition.
const DefaultOneShotTimeout = 5 * time.Second

// Config configures a Tracker.
type Config struct {
	// Source is the device positioning collaborator. Required.
	Source DeviceLocationSource

	// OneShotTimeout bounds CurrentPosition's fresh-fix request. Defaults
	// to DefaultOneShotTimeout.
	OneShotTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now is the clock used for fix ages. Defaults to time.Now.
	Now func() time.Time
}

// Tracker is the location state machine. All state mutation funnels through
// its mutex; asynchronous device events are consumed by a single run
// goroutine started with Start.
type Tracker struct {
	source         DeviceLocationSource
	oneShotTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	subs           *subscribers

	mu          sync.Mutex
	state       State
	lastFix     shiftcore.Position
	wantUpdates bool
	running     bool
	stopped     bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Tracker in StateUninitialized. Call Start to begin consuming
// device events.
func New(cfg Config) (*Tracker, error) {
	if cfg.Source == nil {
		return nil, errors.New("location: source is required")
	}
	if cfg.OneShotTimeout <= 0 {
		cfg.OneShotTimeout = DefaultOneShotTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Tracker{
		source:         cfg.Source,
		oneShotTimeout: cfg.OneShotTimeout,
		logger:         cfg.Logger.With("component", "location"),
		now:            cfg.Now,
		subs:           newSubscribers(),
		state:          StateUninitialized,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// Start launches the goroutine consuming device position and authorization
// events. It is a no-op when already running or after Stop.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

// Stop halts event consumption and, when tracking was active, asks the
// device to stop updates.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh

	t.mu.Lock()
	active := t.state == StateActive
	t.mu.Unlock()
	if active {
		if err := t.source.StopUpdates(context.Background()); err != nil {
			t.logger.Warn("stopping device updates", "error", err)
		}
	}
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.doneCh)

	positions := t.source.Positions()
	authorizations := t.source.Authorizations()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case pos, ok := <-positions:
			if !ok {
				positions = nil
				continue
			}
			t.handlePosition(ctx, pos)
		case auth, ok := <-authorizations:
			if !ok {
				authorizations = nil
				continue
			}
			t.handleAuthorization(ctx, auth)
		}
	}
}

// RequestPermission triggers the OS authorization prompt. Idempotent: a
// no-op once the user has answered in either direction.
func (t *Tracker) RequestPermission(ctx context.Context) error {
	auth := t.source.CurrentAuthorization(ctx)
	if auth.Determined() {
		t.logger.Debug("permission already determined", "authorization", auth)
		return nil
	}

	t.mu.Lock()
	if t.state == StateUninitialized {
		t.transitionLocked(ctx, StatePermissionPending)
	}
	t.mu.Unlock()

	return t.source.RequestPermission(ctx)
}

// StartUpdates requests continuous position updates. Without authorization
// the tracker parks in StatePermissionPending (or StateDenied when blocked)
// and begins tracking as soon as a grant arrives.
func (t *Tracker) StartUpdates(ctx context.Context) error {
	auth := t.source.CurrentAuthorization(ctx)

	t.mu.Lock()
	t.wantUpdates = true
	if !auth.Authorized() {
		if auth.Blocked() {
			t.transitionLocked(ctx, StateDenied)
		} else {
			t.transitionLocked(ctx, StatePermissionPending)
		}
		t.mu.Unlock()
		return nil
	}
	t.transitionLocked(ctx, StateActive)
	t.mu.Unlock()

	return t.source.StartUpdates(ctx)
}

// StopUpdates halts continuous updates. Active moves to Suspended; any other
// state only clears the tracking request.
func (t *Tracker) StopUpdates(ctx context.Context) error {
	t.mu.Lock()
	t.wantUpdates = false
	wasActive := t.state == StateActive
	if wasActive {
		t.transitionLocked(ctx, StateSuspended)
	}
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	return t.source.StopUpdates(ctx)
}

// CurrentPosition returns the last known fix when it is no older than
// maxAge, and otherwise requests one fresh fix bounded by the configured
// one-shot timeout. It fails with ErrPermissionDenied when unauthorized,
// ErrTimeout when the deadline passes, and PositioningError for device
// failures.
func (t *Tracker) CurrentPosition(ctx context.Context, maxAge time.Duration) (shiftcore.Position, error) {
	if auth := t.source.CurrentAuthorization(ctx); !auth.Authorized() {
		return shiftcore.Position{}, ErrPermissionDenied
	}

	t.mu.Lock()
	last := t.lastFix
	t.mu.Unlock()
	if !last.IsZero() && last.Age(t.now()) <= maxAge {
		return last, nil
	}

	return t.oneShot(ctx)
}

func (t *Tracker) oneShot(parent context.Context) (shiftcore.Position, error) {
	ctx, cancel := context.WithTimeout(parent, t.oneShotTimeout)
	defer cancel()

	pos, err := t.source.RequestOneShot(ctx)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) && parent.Err() != nil:
			// The caller gave up; not a positioning outcome.
			telemetry.RecordOneShot(parent, "canceled")
			return shiftcore.Position{}, err
		case errors.Is(err, context.DeadlineExceeded):
			telemetry.RecordOneShot(parent, "timeout")
			return shiftcore.Position{}, ErrTimeout
		case errors.Is(err, ErrPermissionDenied):
			telemetry.RecordOneShot(parent, "denied")
			return shiftcore.Position{}, ErrPermissionDenied
		default:
			telemetry.RecordOneShot(parent, "failed")
			return shiftcore.Position{}, &PositioningError{Cause: err}
		}
	}

	t.recordFix(pos)
	t.subs.publish(parent, Event{Kind: EventPosition, Position: pos, At: t.now()})
	telemetry.RecordOneShot(parent, "success")
	return pos, nil
}

// State returns the current tracker state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastPosition returns the most recent fix, if any.
func (t *Tracker) LastPosition() (shiftcore.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFix, !t.lastFix.IsZero()
}

// Authorization reports the OS-level authorization as the source knows it.
func (t *Tracker) Authorization(ctx context.Context) shiftcore.PermissionState {
	return t.source.CurrentAuthorization(ctx)
}

// Subscribe registers for tracker events. The returned cancel releases the
// subscription and closes the channel.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.subs.subscribe()
}

func (t *Tracker) handlePosition(ctx context.Context, pos shiftcore.Position) {
	t.recordFix(pos)
	t.subs.publish(ctx, Event{Kind: EventPosition, Position: pos, At: t.now()})
}

func (t *Tracker) handleAuthorization(ctx context.Context, auth shiftcore.PermissionState) {
	t.logger.Debug("authorization changed", "authorization", auth)

	var startSource, stopSource bool
	t.mu.Lock()
	switch {
	case auth.Blocked():
		stopSource = t.state == StateActive
		t.transitionLocked(ctx, StateDenied)
	case auth.Authorized():
		if t.wantUpdates {
			startSource = t.state != StateActive
			t.transitionLocked(ctx, StateActive)
		} else if t.state == StatePermissionPending || t.state == StateDenied {
			// Authorized with nobody tracking: parked, resumable.
			t.transitionLocked(ctx, StateSuspended)
		}
	}
	t.mu.Unlock()

	t.subs.publish(ctx, Event{Kind: EventPermission, Permission: auth, At: t.now()})

	if startSource {
		if err := t.source.StartUpdates(ctx); err != nil {
			t.logger.Error("starting device updates", "error", err)
		}
	}
	if stopSource {
		if err := t.source.StopUpdates(ctx); err != nil {
			t.logger.Warn("stopping device updates", "error", err)
		}
	}
}

// recordFix keeps the newest fix by capture time; out-of-order deliveries
// never roll the last position backwards.
func (t *Tracker) recordFix(pos shiftcore.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastFix.IsZero() || !pos.CapturedAt.Before(t.lastFix.CapturedAt) {
		t.lastFix = pos
	}
}

// transitionLocked moves the state machine, logging and publishing the
// change. Caller holds t.mu.
func (t *Tracker) transitionLocked(ctx context.Context, to State) {
	from := t.state
	if from == to {
		return
	}
	t.state = to

	t.logger.Debug("state transition", "from", from, "to", to)
	telemetry.RecordLocationTransition(ctx, string(from), string(to))
	t.subs.publish(ctx, Event{Kind: EventState, From: from, To: to, At: t.now()})
}
