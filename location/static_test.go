package location

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	shiftcore "github.com/christiancattaneo/shift-core"
)

var austin = shiftcore.Position{Latitude: 30.2672, Longitude: -97.7431, HorizontalAccuracyMeters: 10}

func TestStaticSourceInstantGrant(t *testing.T) {
	s := NewStaticSource(austin)
	ctx := context.Background()

	require.Equal(t, shiftcore.PermissionNotDetermined, s.CurrentAuthorization(ctx))
	require.NoError(t, s.RequestPermission(ctx))
	require.Equal(t, shiftcore.PermissionAuthorizedWhenInUse, s.CurrentAuthorization(ctx))

	select {
	case state := <-s.Authorizations():
		require.True(t, state.Authorized())
	case <-time.After(time.Second):
		t.Fatal("grant not streamed")
	}
}

func TestStaticSourceOneShot(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewStaticSource(austin,
		WithStaticAuthorization(shiftcore.PermissionAuthorizedAlways),
		WithStaticNow(func() time.Time { return now }))

	pos, err := s.RequestOneShot(context.Background())
	require.NoError(t, err)
	require.Equal(t, austin.Latitude, pos.Latitude)
	require.Equal(t, now, pos.CapturedAt)
}

func TestStaticSourceOneShotDeniedBeforeGrant(t *testing.T) {
	s := NewStaticSource(austin)

	_, err := s.RequestOneShot(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestStaticSourceDrivesTracker(t *testing.T) {
	s := NewStaticSource(austin)
	tr, err := New(Config{Source: s})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)

	ctx := context.Background()

	// Instant grant: the pending state resolves as soon as the source
	// streams the authorization back.
	require.NoError(t, tr.RequestPermission(ctx))
	requireState(t, tr, StateSuspended)

	require.NoError(t, tr.StartUpdates(ctx))
	requireState(t, tr, StateActive)

	pos, err := tr.CurrentPosition(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, austin.Latitude, pos.Latitude)
	require.Equal(t, austin.Longitude, pos.Longitude)
}
