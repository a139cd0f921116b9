package checkin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/cache"
	"github.com/christiancattaneo/shift-core/collections"
	"github.com/christiancattaneo/shift-core/geo"
	"github.com/christiancattaneo/shift-core/location"
	"github.com/christiancattaneo/shift-core/remote"
	"github.com/christiancattaneo/shift-core/store"
)

var venue = shiftcore.Coordinates{Latitude: 30.2672, Longitude: -97.7431}

func testIntent() shiftcore.CheckInIntent {
	return shiftcore.CheckInIntent{
		UserID:           "u1",
		VenueID:          "p1",
		VenueName:        "Radio Coffee",
		VenueCoordinates: venue,
		RadiusMeters:     1609.34,
	}
}

func atVenue() shiftcore.Position {
	return shiftcore.Position{Latitude: venue.Latitude, Longitude: venue.Longitude, CapturedAt: time.Now()}
}

func metersNorth(m float64) shiftcore.Position {
	return shiftcore.Position{
		Latitude:   venue.Latitude + m/111195.0,
		Longitude:  venue.Longitude,
		CapturedAt: time.Now(),
	}
}

func TestAttemptPermissionGateNeverTouchesRemote(t *testing.T) {
	states := []shiftcore.PermissionState{
		shiftcore.PermissionDenied,
		shiftcore.PermissionRestricted,
		shiftcore.PermissionNotDetermined,
	}

	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			src := newFakeSource(state)
			rm := &fakeRemote{}
			coord := newTestCoordinator(t, src, rm, nil)

			_, err := coord.Attempt(context.Background(), testIntent())

			var permErr *PermissionRequiredError
			require.ErrorAs(t, err, &permErr)
			require.Equal(t, state, permErr.State)
			require.Zero(t, rm.createCalls())
		})
	}
}

func TestAttemptSuccess(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return atVenue(), nil }
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	rec, err := coord.Attempt(context.Background(), testIntent())
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "u1", rec.UserID)
	require.Equal(t, "p1", rec.VenueID)

	require.Equal(t, 1, rm.createCalls())
	req := rm.request(0)
	require.Equal(t, "u1", req.UserID)
	require.Equal(t, "p1", req.VenueID)
	require.Equal(t, "Radio Coffee", req.VenueName)
	require.InDelta(t, 0, req.DistanceMeters, 0.01)

	// Idempotency keys are real UUIDs minted per attempt.
	_, err = uuid.Parse(req.IdempotencyKey)
	require.NoError(t, err)
}

func TestAttemptOutOfRange(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	user := metersNorth(2000)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return user, nil }
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	_, err := coord.Attempt(context.Background(), testIntent())

	var rangeErr *OutOfRangeError
	require.ErrorAs(t, err, &rangeErr)
	require.InDelta(t, geo.Distance(user.Coordinates(), venue), rangeErr.DistanceMeters, 0.001)
	require.InDelta(t, 2000, rangeErr.DistanceMeters, 1)
	require.InDelta(t, 1609.34, rangeErr.RadiusMeters, 0.001)
	require.Zero(t, rm.createCalls())
}

func TestAttemptLocationUnavailable(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	cause := errors.New("gps hardware fault")
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return shiftcore.Position{}, cause }
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	_, err := coord.Attempt(context.Background(), testIntent())

	var locErr *LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	require.ErrorIs(t, err, cause)
	require.Zero(t, rm.createCalls())
}

func TestAttemptTimeoutMapsToLocationUnavailable(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(ctx context.Context) (shiftcore.Position, error) {
		<-ctx.Done()
		return shiftcore.Position{}, ctx.Err()
	}
	rm := &fakeRemote{}

	tr, err := location.New(location.Config{Source: src, OneShotTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	coord := NewCoordinator(tr, rm, nil)

	_, err = coord.Attempt(context.Background(), testIntent())

	var locErr *LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	require.ErrorIs(t, err, location.ErrTimeout)
	require.Zero(t, rm.createCalls())
}

func TestAttemptStaleDeviceFixRejected(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	// The device hands back an old cached fix; eligibility must not trust it.
	stale := shiftcore.Position{Latitude: venue.Latitude, Longitude: venue.Longitude, CapturedAt: time.Now().Add(-10 * time.Minute)}
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return stale, nil }
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	_, err := coord.Attempt(context.Background(), testIntent())

	var locErr *LocationUnavailableError
	require.ErrorAs(t, err, &locErr)
	require.Contains(t, err.Error(), geo.ReasonStalePosition)
	require.Zero(t, rm.createCalls())
}

func TestAttemptWriteFailedNotRetried(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return atVenue(), nil }
	rm := &fakeRemote{createErr: &remote.Error{Status: 502, Op: "create_checkin", Message: "gateway"}}
	coord := newTestCoordinator(t, src, rm, nil)

	_, err := coord.Attempt(context.Background(), testIntent())

	var writeErr *WriteFailedError
	require.ErrorAs(t, err, &writeErr)

	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, 502, remoteErr.Status)

	// Exactly one write; retrying is the user's call.
	require.Equal(t, 1, rm.createCalls())
}

func TestAttemptRetryReusesIdempotencyKey(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return atVenue(), nil }
	rm := &fakeRemote{createErr: errors.New("connection reset")}
	coord := newTestCoordinator(t, src, rm, nil)
	ctx := context.Background()

	_, err := coord.Attempt(ctx, testIntent())
	require.Error(t, err)

	// The user retries the same logical attempt after the outage.
	rm.setCreateErr(nil)
	rec, err := coord.Attempt(ctx, testIntent())
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)

	require.Equal(t, 2, rm.createCalls())
	require.Equal(t, rm.request(0).IdempotencyKey, rm.request(1).IdempotencyKey,
		"a retried attempt must reuse its key so the server can dedupe")

	// The next check-in at the same venue is a new attempt.
	_, err = coord.Attempt(ctx, testIntent())
	require.NoError(t, err)
	require.NotEqual(t, rm.request(1).IdempotencyKey, rm.request(2).IdempotencyKey)
}

func TestAttemptCompletionPublished(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return atVenue(), nil }
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	completions, cancel := coord.Subscribe()
	defer cancel()

	rec, err := coord.Attempt(context.Background(), testIntent())
	require.NoError(t, err)

	select {
	case c := <-completions:
		require.Equal(t, rec.ID, c.Record.ID)
		require.InDelta(t, 0, c.DistanceMeters, 0.01)
	case <-time.After(time.Second):
		t.Fatal("no completion published")
	}
}

func TestAttemptUpdatesCheckInsCache(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedWhenInUse)
	src.oneShot = func(context.Context) (shiftcore.Position, error) { return atVenue(), nil }
	rm := &fakeRemote{}

	fs, err := store.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(fs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	hub := collections.NewHub(c, rm)

	coord := newTestCoordinator(t, src, rm, hub)

	rec, err := coord.Attempt(context.Background(), testIntent())
	require.NoError(t, err)

	records, _, err := hub.CheckIns.Fetch(context.Background(), false)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, rec.ID, records[0].ID)
	require.Zero(t, rm.fetchCalls(), "the optimistic update must serve from cache, not refetch")
}

func TestAttemptInvalidIntent(t *testing.T) {
	src := newFakeSource(shiftcore.PermissionAuthorizedAlways)
	rm := &fakeRemote{}
	coord := newTestCoordinator(t, src, rm, nil)

	bad := testIntent()
	bad.RadiusMeters = 0

	_, err := coord.Attempt(context.Background(), bad)
	require.Error(t, err)
	require.Zero(t, rm.createCalls())
}

// Helpers

func newTestCoordinator(t *testing.T, src location.DeviceLocationSource, rm remote.Store, hub *collections.Hub) *Coordinator {
	t.Helper()

	tr, err := location.New(location.Config{Source: src})
	require.NoError(t, err)
	return NewCoordinator(tr, rm, hub)
}

type fakeSource struct {
	mu      sync.Mutex
	auth    shiftcore.PermissionState
	oneShot func(ctx context.Context) (shiftcore.Position, error)

	positions      chan shiftcore.Position
	authorizations chan shiftcore.PermissionState
}

func newFakeSource(auth shiftcore.PermissionState) *fakeSource {
	return &fakeSource{
		auth:           auth,
		positions:      make(chan shiftcore.Position, 16),
		authorizations: make(chan shiftcore.PermissionState, 16),
	}
}

func (f *fakeSource) RequestPermission(context.Context) error { return nil }

func (f *fakeSource) CurrentAuthorization(context.Context) shiftcore.PermissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *fakeSource) Positions() <-chan shiftcore.Position { return f.positions }

func (f *fakeSource) Authorizations() <-chan shiftcore.PermissionState { return f.authorizations }

func (f *fakeSource) RequestOneShot(ctx context.Context) (shiftcore.Position, error) {
	if f.oneShot == nil {
		return shiftcore.Position{}, errors.New("no one-shot scripted")
	}
	return f.oneShot(ctx)
}

func (f *fakeSource) StartUpdates(context.Context) error { return nil }

func (f *fakeSource) StopUpdates(context.Context) error { return nil }

type fakeRemote struct {
	mu        sync.Mutex
	createErr error
	requests  []remote.CheckInRequest
	fetches   int
}

func (f *fakeRemote) FetchCollection(context.Context, shiftcore.CollectionKey) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return []byte(`[]`), nil
}

func (f *fakeRemote) CreateCheckIn(_ context.Context, req remote.CheckInRequest) (shiftcore.CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return shiftcore.CheckInRecord{}, f.createErr
	}
	return shiftcore.CheckInRecord{
		ID:             fmt.Sprintf("ci-%d", len(f.requests)),
		UserID:         req.UserID,
		VenueID:        req.VenueID,
		VenueName:      req.VenueName,
		DistanceMeters: req.DistanceMeters,
		CheckedInAt:    time.Unix(1700000000, 0),
	}, nil
}

func (f *fakeRemote) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeRemote) createCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeRemote) request(i int) remote.CheckInRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeRemote) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}
