package location

import (
	"context"
	"sync"
	"time"

	shiftcore "github.com/christiancattaneo/shift-core"
)

// StaticSource is a DeviceLocationSource that serves one fixed position and
// grants permission the moment it is asked. It stands in for the device
// during development and in tests.
type StaticSource struct {
	now func() time.Time

	mu   sync.Mutex
	auth shiftcore.PermissionState
	pos  shiftcore.Position

	positions      chan shiftcore.Position
	authorizations chan shiftcore.PermissionState
}

// StaticOption configures a StaticSource.
type StaticOption func(*StaticSource)

// WithStaticAuthorization sets the initial authorization. Defaults to not
// determined.
func WithStaticAuthorization(state shiftcore.PermissionState) StaticOption {
	return func(s *StaticSource) {
		s.auth = state
	}
}

// WithStaticNow sets the clock used to stamp served fixes.
func WithStaticNow(now func() time.Time) StaticOption {
	return func(s *StaticSource) {
		s.now = now
	}
}

// NewStaticSource creates a source pinned to the given position.
func NewStaticSource(pos shiftcore.Position, opts ...StaticOption) *StaticSource {
	s := &StaticSource{
		now:            time.Now,
		auth:           shiftcore.PermissionNotDetermined,
		pos:            pos,
		positions:      make(chan shiftcore.Position, streamBuffer),
		authorizations: make(chan shiftcore.PermissionState, streamBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestPermission grants immediately.
func (s *StaticSource) RequestPermission(context.Context) error {
	s.mu.Lock()
	s.auth = shiftcore.PermissionAuthorizedWhenInUse
	s.mu.Unlock()

	s.offerAuthorization(shiftcore.PermissionAuthorizedWhenInUse)
	return nil
}

// CurrentAuthorization returns the current grant state.
func (s *StaticSource) CurrentAuthorization(context.Context) shiftcore.PermissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Positions returns the continuous fix stream.
func (s *StaticSource) Positions() <-chan shiftcore.Position {
	return s.positions
}

// Authorizations returns the authorization change stream.
func (s *StaticSource) Authorizations() <-chan shiftcore.PermissionState {
	return s.authorizations
}

// RequestOneShot serves the pinned position, stamped now when it carries no
// capture time of its own.
func (s *StaticSource) RequestOneShot(context.Context) (shiftcore.Position, error) {
	s.mu.Lock()
	auth := s.auth
	pos := s.pos
	s.mu.Unlock()

	if !auth.Authorized() {
		return shiftcore.Position{}, ErrPermissionDenied
	}
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = s.now()
	}
	return pos, nil
}

// StartUpdates emits the pinned position once; there is nothing else to
// stream.
func (s *StaticSource) StartUpdates(ctx context.Context) error {
	pos, err := s.RequestOneShot(ctx)
	if err != nil {
		return err
	}
	select {
	case s.positions <- pos:
	default:
	}
	return nil
}

// StopUpdates is a no-op.
func (s *StaticSource) StopUpdates(context.Context) error {
	return nil
}

// SetPosition moves the pinned position and offers it to the stream.
func (s *StaticSource) SetPosition(pos shiftcore.Position) {
	s.mu.Lock()
	s.pos = pos
	s.mu.Unlock()

	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = s.now()
	}
	select {
	case s.positions <- pos:
	default:
	}
}

// SetAuthorization overrides the grant state, streaming the change like a
// device would.
func (s *StaticSource) SetAuthorization(state shiftcore.PermissionState) {
	s.mu.Lock()
	s.auth = state
	s.mu.Unlock()

	s.offerAuthorization(state)
}

func (s *StaticSource) offerAuthorization(state shiftcore.PermissionState) {
	select {
	case s.authorizations <- state:
	default:
	}
}

var _ DeviceLocationSource = (*StaticSource)(nil)
