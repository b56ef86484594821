package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
)

// TestPostgres_ConcurrentAccept runs real accepts against a database named
// by DISPATCH_TEST_DSN and checks the partial unique indexes and
// compare-and-set updates leave exactly one winner.
func TestPostgres_ConcurrentAccept(t *testing.T) {
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := DefaultPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, ApplySchema(ctx, pool))
	pg := NewPostgres(pool)

	suffix := uuid.NewString()[:8]
	passenger := "p-" + suffix
	require.NoError(t, pg.CreateUser(ctx, dispatch.User{
		ID: passenger, Email: passenger + "@example.com", Name: "P", Role: dispatch.RolePassenger, CreatedAt: time.Now(),
	}, nil))
	rideID := uuid.NewString()
	require.NoError(t, pg.CreateRide(ctx, dispatch.Ride{
		ID: rideID, PassengerID: passenger, Status: dispatch.RideRequested,
		PickupAddress: "a", DropoffAddress: "b", RequestedAt: time.Now(),
	}))

	drivers := make([]string, 6)
	for i := range drivers {
		id := uuid.NewString()
		drivers[i] = id
		require.NoError(t, pg.CreateUser(ctx, dispatch.User{
			ID: id, Email: id + "@example.com", Name: "D", Role: dispatch.RoleDriver, CreatedAt: time.Now(),
		}, &dispatch.Driver{ID: id, Available: true, Verified: true, Rating: 5, LicensePlate: "T-" + id[:6], UpdatedAt: time.Now()}))
		require.NoError(t, pg.InsertMatch(ctx, dispatch.CandidateMatch{
			ID: uuid.NewString(), RideID: rideID, DriverID: id, Status: dispatch.MatchPending, CreatedAt: time.Now(),
		}))
	}

	h := dispatch.NewResponseHandler(dispatch.Deps{Repo: pg}, nil)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, id := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.Accept(ctx, rideID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, dispatch.ErrMatchNoLongerValid):
			default:
				t.Errorf("accept by %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	ride, err := pg.GetRide(ctx, rideID)
	require.NoError(t, err)
	assert.Equal(t, dispatch.RideMatched, ride.Status)
	pending, err := pg.CountPendingMatches(ctx, rideID)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
