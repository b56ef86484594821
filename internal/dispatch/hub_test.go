package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
)

type frame struct {
	Type          string                  `json:"type"`
	Ride          *dispatch.Ride          `json:"ride"`
	Notifications []dispatch.Notification `json:"notifications"`
}

func dialRide(t *testing.T, hub *dispatch.Hub, ride dispatch.Ride) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeRide(w, r, ride)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHub_SnapshotThenUpdates(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	hub := dispatch.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ride := dispatch.Ride{ID: "r1", PassengerID: "p1", Status: dispatch.RideRequested}
	conn := dialRide(t, hub, ride)

	snap := readFrame(t, conn)
	assert.Equal(t, "ride_snapshot", snap.Type)
	require.NotNil(t, snap.Ride)
	assert.Equal(t, dispatch.RideRequested, snap.Ride.Status)
	require.Eventually(t, func() bool { return hub.Subscribers("r1") == 1 }, time.Second, 10*time.Millisecond)

	ride.Status = dispatch.RideMatched
	ride.DriverID = "d1"
	hub.RideUpdated(ctx, ride)
	hub.RideUpdated(ctx, dispatch.Ride{ID: "other", Status: dispatch.RideCancelled})

	upd := readFrame(t, conn)
	assert.Equal(t, "ride_updated", upd.Type)
	assert.Equal(t, dispatch.RideMatched, upd.Ride.Status)
	assert.Equal(t, "d1", upd.Ride.DriverID)

	hub.Notified(ctx, []dispatch.Notification{
		{UserID: "p1", Type: "ride_accepted", Data: map[string]any{"ride_id": "r1"}},
		{UserID: "d9", Type: "ride_request", Data: map[string]any{"ride_id": "other"}},
		{UserID: "p1", Type: "system"},
	})
	notes := readFrame(t, conn)
	assert.Equal(t, "notifications", notes.Type)
	require.Len(t, notes.Notifications, 1)
	assert.Equal(t, "ride_accepted", notes.Notifications[0].Type)
}

func TestHub_DropsClosedSubscribers(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	hub := dispatch.NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dialRide(t, hub, dispatch.Ride{ID: "r1"})
	readFrame(t, conn)
	require.Eventually(t, func() bool { return hub.Subscribers("r1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.Subscribers("r1") == 0 }, 2*time.Second, 10*time.Millisecond)
}
