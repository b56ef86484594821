package dispatch_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
)

func TestRunMatchingRound_NoDrivers(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")

	res, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeNoDrivers, res.Outcome)
	assert.Zero(t, res.MatchesCreated)
	assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
}

func TestRunMatchingRound_RideNotRequested(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	_, err := dispatch.NewLifecycle(f.deps).CancelRide(f.ctx, "r1", dispatch.Identity{ID: "p1", Role: dispatch.RolePassenger})
	require.NoError(t, err)

	_, err = f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	assert.ErrorIs(t, err, dispatch.ErrInvalidRideState)
}

func TestRunMatchingRound_UnknownRide(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "missing")
	assert.ErrorIs(t, err, dispatch.ErrNotFound)
}

func TestRunMatchingRound_OffersEligibleDriversOnly(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d-ok", 1)
	f.addDriver("d-offline", 0.5, unavailable())
	f.addDriver("d-unverified", 0.2, unverified())
	f.addDriver("d-far", 25)

	res, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeOffered, res.Outcome)
	assert.Equal(t, 1, res.MatchesCreated)
	require.NotNil(t, res.Best)
	assert.Equal(t, "d-ok", res.Best.DriverID)
	assert.InDelta(t, 1.0, res.Best.DistanceKM, 0.02)
	assert.Equal(t, 2, res.Best.ETAMinutes)

	matches := f.store.Matches("r1")
	require.Len(t, matches, 1)
	assert.Equal(t, dispatch.MatchPending, matches[0].Status)
	assert.Equal(t, "d-ok", matches[0].DriverID)

	notes := f.notifications("d-ok")
	require.Len(t, notes, 1)
	assert.Equal(t, "ride_request", notes[0].Type)
	assert.Equal(t, "New Ride Request", notes[0].Title)
	assert.Empty(t, f.notifications("d-offline"))
	assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
}

func TestRunMatchingRound_AutoAssignsStrongCandidate(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d-star", 0, rated(5, 100))
	f.addDriver("d-weak", 2)

	res, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeAutoAssigned, res.Outcome)
	assert.True(t, res.AutoAssigned)
	assert.Equal(t, 2, res.MatchesCreated)
	require.NotNil(t, res.Best)
	assert.Equal(t, 100.0, res.Best.Score)
	assert.Equal(t, "d-star", res.Candidates[0].DriverID)

	ride := f.ride("r1")
	assert.Equal(t, dispatch.RideMatched, ride.Status)
	assert.Equal(t, "d-star", ride.DriverID)
	require.NotNil(t, ride.MatchedAt)
	assert.False(t, f.driver("d-star").Available)

	assert.Equal(t, map[string]dispatch.MatchStatus{
		"d-star": dispatch.MatchAccepted,
		"d-weak": dispatch.MatchExpired,
	}, matchStatuses(f.store.Matches("r1")))

	passengerNotes := f.notifications("p1")
	require.Len(t, passengerNotes, 1)
	assert.Equal(t, "Driver Found!", passengerNotes[0].Title)
	assert.Contains(t, passengerNotes[0].Message, "0 minutes")
	assert.Contains(t, f.eventTypes("r1"), "ride_matched")
}

func TestRunMatchingRound_RespectsCandidateLimit(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d1", 3)
	f.addDriver("d2", 1)
	f.addDriver("d3", 2)

	cfg := offerOnly()
	cfg.CandidateLimit = 2
	res, err := f.coordinator(cfg).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchesCreated)
	statuses := matchStatuses(f.store.Matches("r1"))
	assert.Contains(t, statuses, "d2")
	assert.Contains(t, statuses, "d3")
	assert.NotContains(t, statuses, "d1")
}

func TestRunMatchingRound_SkipsDriversAlreadyOffered(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d1", 1)
	c := f.coordinator(offerOnly())

	_, err := c.RunMatchingRound(f.ctx, "r1")
	require.NoError(t, err)
	res, err := c.RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeNoDrivers, res.Outcome)
	assert.Len(t, f.store.Matches("r1"), 1)
}

func TestRunMatchingRound_PartialInsertFailure(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d1", 1)
	f.addDriver("d2", 2)
	f.store.FailMatchInsert = func(m dispatch.CandidateMatch) bool { return m.DriverID == "d1" }

	res, err := f.coordinator(offerOnly()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, 1, res.MatchesCreated)
	assert.Equal(t, "d2", res.Best.DriverID)
	assert.Empty(t, f.notifications("d1"))
}

func TestRunMatchingRound_AllInsertsFail(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d1", 1)
	f.store.FailMatchInsert = func(dispatch.CandidateMatch) bool { return true }

	_, err := f.coordinator(offerOnly()).RunMatchingRound(f.ctx, "r1")

	assert.ErrorIs(t, err, dispatch.ErrDependency)
	assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
}

func TestRunMatchingRound_NotificationFailuresDoNotBlockAssignment(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d1", 0, rated(5, 100))
	f.store.FailNotification = func(dispatch.Notification) bool { return true }

	res, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.True(t, res.AutoAssigned)
	assert.Equal(t, dispatch.RideMatched, f.ride("r1").Status)
	assert.Empty(t, f.notifications("p1"))
}

func TestRequestRide(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.addDriver("d1", 1)
	c := f.coordinator(offerOnly())
	req := dispatch.RideRequest{
		PassengerID:    "p1",
		Pickup:         pickup,
		PickupAddress:  "Times Square",
		Dropoff:        dispatch.Point{Latitude: 40.7829, Longitude: -73.9654},
		DropoffAddress: "Central Park",
		IdempotencyKey: "req-1",
	}

	ride, round, err := c.RequestRide(f.ctx, req)

	require.NoError(t, err)
	assert.Equal(t, dispatch.RideRequested, ride.Status)
	assert.InDelta(t, 3.25, ride.EstimatedDistanceKM, 0.05)
	assert.Equal(t, 7, ride.EstimatedDurationMin)
	assert.Equal(t, dispatch.OutcomeOffered, round.Outcome)
	assert.Equal(t, []string{"ride_requested"}, f.eventTypes(ride.ID))

	t.Run("same idempotency key returns the original ride", func(t *testing.T) {
		again, _, err := c.RequestRide(f.ctx, req)
		require.NoError(t, err)
		assert.Equal(t, ride.ID, again.ID)
	})

	t.Run("second active ride is rejected", func(t *testing.T) {
		req := req
		req.IdempotencyKey = ""
		_, _, err := c.RequestRide(f.ctx, req)
		assert.ErrorIs(t, err, dispatch.ErrActiveRide)
		assert.ErrorIs(t, err, dispatch.ErrValidation)
	})
}

func TestRequestRide_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(dispatch.DefaultConfig())

	tests := []struct {
		name string
		req  dispatch.RideRequest
	}{
		{name: "missing addresses", req: dispatch.RideRequest{PassengerID: "p1", Pickup: pickup, Dropoff: pickup}},
		{name: "latitude out of range", req: dispatch.RideRequest{
			PassengerID: "p1", PickupAddress: "a", DropoffAddress: "b",
			Pickup: dispatch.Point{Latitude: 91}, Dropoff: pickup,
		}},
		{name: "no passenger", req: dispatch.RideRequest{PickupAddress: "a", DropoffAddress: "b", Pickup: pickup, Dropoff: pickup}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.RequestRide(f.ctx, tt.req)
			assert.ErrorIs(t, err, dispatch.ErrValidation)
		})
	}
}

func TestRequestRide_AutoAssignReturnsMatchedRide(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.addDriver("d1", 0, rated(5, 100))

	ride, round, err := f.coordinator(dispatch.DefaultConfig()).RequestRide(f.ctx, dispatch.RideRequest{
		PassengerID:    "p1",
		Pickup:         pickup,
		PickupAddress:  "Times Square",
		Dropoff:        dispatch.Point{Latitude: 40.7829, Longitude: -73.9654},
		DropoffAddress: "Central Park",
	})

	require.NoError(t, err)
	assert.True(t, round.AutoAssigned)
	assert.Equal(t, dispatch.RideMatched, ride.Status)
	assert.Equal(t, "d1", ride.DriverID)
}

func TestRunMatchingRound_BusyDriversDoNotHideFreeOnes(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	for i := 1; i <= 100; i++ {
		f.addDriver(fmt.Sprintf("busy-%03d", i), float64(i)*0.01, unavailable())
	}
	f.addDriver("d-free", 2)

	res, err := f.coordinator(dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeOffered, res.Outcome)
	assert.Equal(t, 1, res.MatchesCreated)
	require.NotNil(t, res.Best)
	assert.Equal(t, "d-free", res.Best.DriverID)
}

func TestRunMatchingRound_WidensUntilCandidateLimit(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	for i := 1; i <= 6; i++ {
		f.addDriver(fmt.Sprintf("busy-%d", i), float64(i)*0.1, unavailable())
	}
	for i := 1; i <= 3; i++ {
		f.addDriver(fmt.Sprintf("free-%d", i), float64(i))
	}
	cfg := offerOnly()
	cfg.CandidateLimit = 2
	cfg.ScanFactor = 1

	res, err := f.coordinator(cfg).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, 2, res.MatchesCreated)
	assert.Equal(t, []string{"free-1", "free-2"}, []string{res.Candidates[0].DriverID, res.Candidates[1].DriverID})
}

func TestRunMatchingRound_AutoAssignDriverGoneExpiresOffer(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.requestedRide("r1", "p1")
	f.addDriver("d-star", 0, rated(5, 100))
	f.addDriver("d-weak", 2)
	repo := &interceptRepo{Repository: f.store}
	repo.beforeInsert = func(m dispatch.CandidateMatch) {
		if m.DriverID == "d-star" {
			// goes offline after being selected, before the claim
			require.NoError(t, f.store.ApplyProfilePatch(f.ctx, "d-star", dispatch.ProfilePatch{IsAvailable: ptr(false)}))
		}
	}

	res, err := dispatch.NewCoordinator(f.through(repo), dispatch.DefaultConfig()).RunMatchingRound(f.ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, dispatch.OutcomeOffered, res.Outcome)
	assert.False(t, res.AutoAssigned)
	assert.Equal(t, dispatch.RideRequested, f.ride("r1").Status)
	assert.Equal(t, map[string]dispatch.MatchStatus{
		"d-star": dispatch.MatchExpired,
		"d-weak": dispatch.MatchPending,
	}, matchStatuses(f.store.Matches("r1")))

	var messages []string
	for _, e := range f.logs.AllEntries() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "auto-assign skipped, driver no longer available")
	assert.NotContains(t, messages, "auto-assign lost to a concurrent accept")
}

func TestRequestRide_RoundTripAutoAssigns(t *testing.T) {
	f := newFixture(t)
	f.addPassenger("p1")
	f.addDriver("d1", 2, rated(4.5, 50))

	ride, round, err := f.coordinator(dispatch.DefaultConfig()).RequestRide(f.ctx, dispatch.RideRequest{
		PassengerID:    "p1",
		Pickup:         pickup,
		PickupAddress:  "Times Square",
		Dropoff:        dispatch.Point{Latitude: 40.7829, Longitude: -73.9654},
		DropoffAddress: "Central Park",
	})

	require.NoError(t, err)
	require.NotNil(t, round.Best)
	assert.InDelta(t, 76.0, round.Best.Score, 0.05)
	assert.Equal(t, dispatch.OutcomeAutoAssigned, round.Outcome)
	assert.Equal(t, dispatch.RideMatched, ride.Status)
	assert.Equal(t, "d1", ride.DriverID)
	assert.Equal(t, dispatch.RideMatched, f.ride(ride.ID).Status)
	assert.False(t, f.driver("d1").Available)
}
