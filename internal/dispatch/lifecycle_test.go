package dispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
)

// matched offers r1 to d1 and accepts it.
func (f *fixture) matched() {
	f.t.Helper()
	f.offered("r1", "d1")
	_, err := dispatch.NewResponseHandler(f.deps, nil).Accept(f.ctx, "r1", "d1")
	require.NoError(f.t, err)
}

func TestStartRide(t *testing.T) {
	f := newFixture(t)
	f.matched()
	lc := dispatch.NewLifecycle(f.deps)

	_, err := lc.StartRide(f.ctx, "r1", "d2")
	assert.ErrorIs(t, err, dispatch.ErrNotAuthorized)

	ride, err := lc.StartRide(f.ctx, "r1", "d1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.RideInProgress, ride.Status)
	require.NotNil(t, ride.StartedAt)
	assert.Equal(t, f.clock(), *ride.StartedAt)
	assert.Equal(t, "Ride Started", f.notifications("p-r1")[0].Title)

	_, err = lc.StartRide(f.ctx, "r1", "d1")
	assert.ErrorIs(t, err, dispatch.ErrInvalidRideState)
}

func TestStartRide_Unmatched(t *testing.T) {
	f := newFixture(t)
	f.offered("r1", "d1")

	for _, driverID := range []string{"d1", "d-other"} {
		_, err := dispatch.NewLifecycle(f.deps).StartRide(f.ctx, "r1", driverID)
		assert.ErrorIs(t, err, dispatch.ErrInvalidRideState, driverID)
		assert.NotErrorIs(t, err, dispatch.ErrNotAuthorized, driverID)
	}
	assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
}

func TestCompleteRide_AfterStart(t *testing.T) {
	f := newFixture(t)
	f.matched()
	lc := dispatch.NewLifecycle(f.deps)
	_, err := lc.StartRide(f.ctx, "r1", "d1")
	require.NoError(t, err)
	f.advance(12*time.Minute + 30*time.Second)

	distance := 4.2
	ride, err := lc.CompleteRide(f.ctx, "r1", "d1", &distance, nil)

	require.NoError(t, err)
	assert.Equal(t, dispatch.RideCompleted, ride.Status)
	require.NotNil(t, ride.ActualDurationMin)
	assert.Equal(t, 13, *ride.ActualDurationMin)
	require.NotNil(t, ride.ActualDistanceKM)
	assert.Equal(t, 4.2, *ride.ActualDistanceKM)

	stored := f.ride("r1")
	assert.Equal(t, dispatch.RideCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	d := f.driver("d1")
	assert.True(t, d.Available)
	assert.Equal(t, 1, d.TotalRides)

	prompt := f.notifications("p-r1")[0]
	assert.Equal(t, "rate_driver", prompt.Data["action"])
}

func TestCompleteRide_ImplicitStart(t *testing.T) {
	f := newFixture(t)
	f.matched()
	f.advance(5 * time.Minute)
	duration := 20

	ride, err := dispatch.NewLifecycle(f.deps).CompleteRide(f.ctx, "r1", "p-r1", nil, &duration)

	require.NoError(t, err)
	assert.Equal(t, dispatch.RideCompleted, ride.Status)
	require.NotNil(t, ride.StartedAt)
	assert.Equal(t, *ride.StartedAt, *ride.CompletedAt)
	assert.Equal(t, 20, *ride.ActualDurationMin)
	assert.Nil(t, ride.ActualDistanceKM)

	stored := f.ride("r1")
	require.NotNil(t, stored.StartedAt)
	assert.Nil(t, stored.ActualDistanceKM)

	assert.Equal(t, 1, f.driver("d1").TotalRides)
	prompt := f.notifications("d1")[0]
	assert.Equal(t, "rate_passenger", prompt.Data["action"])
	assert.Equal(t, []string{"ride_matched", "ride_completed"}, f.eventTypes("r1"))
}

func TestCompleteRide_Rejections(t *testing.T) {
	f := newFixture(t)
	f.matched()
	f.addPassenger("stranger")
	lc := dispatch.NewLifecycle(f.deps)

	_, err := lc.CompleteRide(f.ctx, "r1", "stranger", nil, nil)
	assert.ErrorIs(t, err, dispatch.ErrNotAuthorized)

	negative := -1.0
	_, err = lc.CompleteRide(f.ctx, "r1", "d1", &negative, nil)
	assert.ErrorIs(t, err, dispatch.ErrValidation)

	_, err = lc.CompleteRide(f.ctx, "r1", "d1", nil, nil)
	require.NoError(t, err)
	_, err = lc.CompleteRide(f.ctx, "r1", "d1", nil, nil)
	assert.ErrorIs(t, err, dispatch.ErrInvalidRideState)
	assert.Equal(t, 1, f.driver("d1").TotalRides)
}

func TestCompleteRide_RequestedRideCannotComplete(t *testing.T) {
	f := newFixture(t)
	f.offered("r1", "d1")

	_, err := dispatch.NewLifecycle(f.deps).CompleteRide(f.ctx, "r1", "p-r1", nil, nil)

	assert.ErrorIs(t, err, dispatch.ErrInvalidRideState)
}

func TestCancelRide(t *testing.T) {
	t.Run("passenger cancels and offers expire", func(t *testing.T) {
		f := newFixture(t)
		f.offered("r1", "d1", "d2")

		ride, err := dispatch.NewLifecycle(f.deps).CancelRide(f.ctx, "r1", dispatch.Identity{ID: "p-r1", Role: dispatch.RolePassenger})

		require.NoError(t, err)
		assert.Equal(t, dispatch.RideCancelled, ride.Status)
		assert.Equal(t, map[string]dispatch.MatchStatus{
			"d1": dispatch.MatchExpired,
			"d2": dispatch.MatchExpired,
		}, matchStatuses(f.store.Matches("r1")))
		assert.Equal(t, []string{"ride_cancelled"}, f.eventTypes("r1"))
	})

	t.Run("other passenger is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.offered("r1", "d1")
		_, err := dispatch.NewLifecycle(f.deps).CancelRide(f.ctx, "r1", dispatch.Identity{ID: "p-other", Role: dispatch.RolePassenger})
		assert.ErrorIs(t, err, dispatch.ErrNotAuthorized)
		assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
	})

	t.Run("matched ride cannot be cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.matched()
		_, err := dispatch.NewLifecycle(f.deps).CancelRide(f.ctx, "r1", dispatch.Identity{ID: "admin", Role: dispatch.RoleAdmin})
		assert.ErrorIs(t, err, dispatch.ErrInvalidRideState)
	})
}
