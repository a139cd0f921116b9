package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	shiftcore "github.com/christiancattaneo/shift-core"
)

func (b *BridgeSource) waiterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

func TestBridgeSourceOneShotResolvesOnPush(t *testing.T) {
	b := NewBridgeSource()
	b.PushAuthorization(shiftcore.PermissionAuthorizedWhenInUse)

	type result struct {
		pos shiftcore.Position
		err error
	}
	done := make(chan result, 1)
	go func() {
		pos, err := b.RequestOneShot(context.Background())
		done <- result{pos, err}
	}()

	require.Eventually(t, func() bool { return b.waiterCount() == 1 }, time.Second, time.Millisecond)

	fix := shiftcore.Position{Latitude: 30.2672, Longitude: -97.7431, CapturedAt: time.Now()}
	b.PushPosition(fix)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, fix, res.pos)
	require.Zero(t, b.waiterCount())
}

func TestBridgeSourceOneShotSharedByWaiters(t *testing.T) {
	b := NewBridgeSource()
	b.PushAuthorization(shiftcore.PermissionAuthorizedWhenInUse)

	var wg sync.WaitGroup
	results := make([]shiftcore.Position, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.RequestOneShot(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return b.waiterCount() == 2 }, time.Second, time.Millisecond)

	fix := shiftcore.Position{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}
	b.PushPosition(fix)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, fix, results[0])
	require.Equal(t, fix, results[1])
}

func TestBridgeSourceOneShotDeadline(t *testing.T) {
	b := NewBridgeSource()
	b.PushAuthorization(shiftcore.PermissionAuthorizedWhenInUse)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.RequestOneShot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter is cleaned up.
	require.Zero(t, b.waiterCount())
}

func TestBridgeSourceOneShotFailsWhenDenialArrives(t *testing.T) {
	b := NewBridgeSource()
	b.PushAuthorization(shiftcore.PermissionNotDetermined)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.RequestOneShot(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.waiterCount() == 1 }, time.Second, time.Millisecond)
	b.PushAuthorization(shiftcore.PermissionDenied)

	require.ErrorIs(t, <-errCh, ErrPermissionDenied)
}

func TestBridgeSourceOneShotImmediateWhenBlocked(t *testing.T) {
	b := NewBridgeSource()
	b.PushAuthorization(shiftcore.PermissionRestricted)

	_, err := b.RequestOneShot(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestBridgeSourceFlags(t *testing.T) {
	b := NewBridgeSource()
	ctx := context.Background()

	require.Equal(t, BridgeFlags{}, b.Flags())

	require.NoError(t, b.RequestPermission(ctx))
	require.True(t, b.Flags().PromptRequested)

	// A determined answer clears the prompt request.
	b.PushAuthorization(shiftcore.PermissionAuthorizedWhenInUse)
	require.False(t, b.Flags().PromptRequested)

	require.NoError(t, b.StartUpdates(ctx))
	require.True(t, b.Flags().TrackingWanted)
	require.NoError(t, b.StopUpdates(ctx))
	require.False(t, b.Flags().TrackingWanted)
}

func TestBridgeSourceStampsUnstampedFixes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBridgeSource(WithBridgeNow(func() time.Time { return now }))
	b.PushAuthorization(shiftcore.PermissionAuthorizedWhenInUse)

	b.PushPosition(shiftcore.Position{Latitude: 1, Longitude: 2})

	select {
	case pos := <-b.Positions():
		require.Equal(t, now, pos.CapturedAt)
	case <-time.After(time.Second):
		t.Fatal("no position on stream")
	}
}

func TestBridgeSourceAuthorizationStream(t *testing.T) {
	b := NewBridgeSource()
	require.Equal(t, shiftcore.PermissionNotDetermined, b.CurrentAuthorization(context.Background()))

	b.PushAuthorization(shiftcore.PermissionAuthorizedAlways)
	require.Equal(t, shiftcore.PermissionAuthorizedAlways, b.CurrentAuthorization(context.Background()))

	select {
	case state := <-b.Authorizations():
		require.Equal(t, shiftcore.PermissionAuthorizedAlways, state)
	case <-time.After(time.Second):
		t.Fatal("no authorization on stream")
	}
}
