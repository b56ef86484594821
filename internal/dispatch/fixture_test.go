package dispatch_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/storage"
)

var pickup = dispatch.Point{Latitude: 40.7580, Longitude: -73.9855}

// fixture wires the dispatch services onto the in-memory store and geo index.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *storage.Memory
	geo   *geo.InMemoryGeo
	logs  *logtest.Hook
	deps  dispatch.Deps

	mu  sync.Mutex
	now time.Time
	ids int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: storage.NewMemory(),
		geo:   geo.NewInMemoryGeo(),
		logs:  hook,
		now:   time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	f.deps = dispatch.Deps{
		Repo:   f.store,
		Geo:    f.geo,
		Events: f.store,
		Idem:   f.store,
		Logger: logger,
		Clock:  f.clock,
		NewID:  f.newID,
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) newID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids++
	return fmt.Sprintf("id-%04d", f.ids)
}

func (f *fixture) coordinator(cfg dispatch.Config) *dispatch.Coordinator {
	return dispatch.NewCoordinator(f.deps, cfg)
}

// offerOnly keeps every candidate below the auto-assign threshold.
func offerOnly() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.AutoAssignScore = 101
	return cfg
}

type driverOpt func(*dispatch.Driver)

func unavailable() driverOpt { return func(d *dispatch.Driver) { d.Available = false } }
func unverified() driverOpt  { return func(d *dispatch.Driver) { d.Verified = false } }
func rated(rating float64, rides int) driverOpt {
	return func(d *dispatch.Driver) { d.Rating, d.TotalRides = rating, rides }
}

// addDriver stores an online, verified driver north of the pickup point.
func (f *fixture) addDriver(id string, kmNorth float64, opts ...driverOpt) dispatch.Driver {
	f.t.Helper()
	loc := dispatch.Point{Latitude: pickup.Latitude + kmNorth/111.195, Longitude: pickup.Longitude}
	d := dispatch.Driver{
		ID:           id,
		Available:    true,
		Verified:     true,
		Location:     &loc,
		Rating:       3,
		LicensePlate: "PLT-" + id,
	}
	for _, o := range opts {
		o(&d)
	}
	err := f.store.CreateUser(f.ctx, dispatch.User{
		ID:    id,
		Name:  "Driver " + id,
		Email: id + "@example.com",
		Role:  dispatch.RoleDriver,
	}, &d)
	require.NoError(f.t, err)
	require.NoError(f.t, f.geo.Upsert(f.ctx, id, loc))
	return d
}

func (f *fixture) addPassenger(id string) {
	f.t.Helper()
	err := f.store.CreateUser(f.ctx, dispatch.User{
		ID:    id,
		Name:  "Passenger " + id,
		Email: id + "@example.com",
		Role:  dispatch.RolePassenger,
	}, nil)
	require.NoError(f.t, err)
}

// requestedRide stores a requested ride without running a round.
func (f *fixture) requestedRide(id, passengerID string) dispatch.Ride {
	f.t.Helper()
	ride := dispatch.Ride{
		ID:             id,
		PassengerID:    passengerID,
		Status:         dispatch.RideRequested,
		Pickup:         pickup,
		PickupAddress:  "Times Square",
		Dropoff:        dispatch.Point{Latitude: 40.7829, Longitude: -73.9654},
		DropoffAddress: "Central Park",
		RequestedAt:    f.clock(),
	}
	require.NoError(f.t, f.store.CreateRide(f.ctx, ride))
	return ride
}

func (f *fixture) ride(id string) dispatch.Ride {
	f.t.Helper()
	r, err := f.store.GetRide(f.ctx, id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) driver(id string) dispatch.Driver {
	f.t.Helper()
	ds, err := f.store.GetDrivers(f.ctx, []string{id})
	require.NoError(f.t, err)
	d, ok := ds[id]
	require.True(f.t, ok, "driver %s missing", id)
	return d
}

func (f *fixture) notifications(userID string) []dispatch.Notification {
	f.t.Helper()
	notes, err := f.store.ListNotifications(f.ctx, userID, 0)
	require.NoError(f.t, err)
	return notes
}

func (f *fixture) eventTypes(rideID string) []string {
	f.t.Helper()
	evts, err := f.store.ListRideEvents(f.ctx, rideID, 0, 0)
	require.NoError(f.t, err)
	out := make([]string, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func matchStatuses(matches []dispatch.CandidateMatch) map[string]dispatch.MatchStatus {
	out := make(map[string]dispatch.MatchStatus, len(matches))
	for _, m := range matches {
		out[m.DriverID] = m.Status
	}
	return out
}

// interceptRepo runs hooks before selected store calls so a test can slot
// another operation in at an exact point.
type interceptRepo struct {
	dispatch.Repository
	beforePatch  func()
	beforeInsert func(dispatch.CandidateMatch)
}

func (r *interceptRepo) ApplyProfilePatch(ctx context.Context, userID string, patch dispatch.ProfilePatch) error {
	if r.beforePatch != nil {
		r.beforePatch()
	}
	return r.Repository.ApplyProfilePatch(ctx, userID, patch)
}

func (r *interceptRepo) InsertMatch(ctx context.Context, m dispatch.CandidateMatch) error {
	if r.beforeInsert != nil {
		r.beforeInsert(m)
	}
	return r.Repository.InsertMatch(ctx, m)
}

// through returns the fixture deps with the store wrapped by repo.
func (f *fixture) through(repo dispatch.Repository) dispatch.Deps {
	deps := f.deps
	deps.Repo = repo
	return deps
}
