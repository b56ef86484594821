package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

// ResponseHandler applies driver accept and decline responses.
type ResponseHandler struct {
	Deps
	redispatch Redispatcher
}

func NewResponseHandler(deps Deps, redispatch Redispatcher) *ResponseHandler {
	return &ResponseHandler{Deps: deps.withDefaults(), redispatch: redispatch}
}

// Accept promotes the driver's pending match. Exactly one concurrent accept
// (or auto-assign) wins per ride; the rest get ErrMatchNoLongerValid.
func (h *ResponseHandler) Accept(ctx context.Context, rideID, driverID string) (Ride, error) {
	if rideID == "" || driverID == "" {
		return Ride{}, validationf("ride and driver are required")
	}
	log := h.Logger.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID})

	drivers, err := h.Repo.GetDrivers(ctx, []string{driverID})
	if err != nil {
		return Ride{}, dependency("load driver", err)
	}
	driver, ok := drivers[driverID]
	if !ok {
		return Ride{}, fmt.Errorf("%w: driver profile", ErrNotFound)
	}
	if !driver.Verified || !driver.Available {
		metrics.Accepts.WithLabelValues("rejected").Inc()
		return Ride{}, fmt.Errorf("%w: driver must be available and verified", ErrNotAuthorized)
	}

	match, err := h.Repo.FindMatch(ctx, rideID, driverID)
	if err != nil {
		return Ride{}, dependency("load match", err)
	}
	if match.Status != MatchPending {
		metrics.Accepts.WithLabelValues("lost").Inc()
		return Ride{}, ErrMatchNoLongerValid
	}
	ride, err := h.Repo.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, dependency("load ride", err)
	}
	if ride.Status != RideRequested {
		metrics.Accepts.WithLabelValues("lost").Inc()
		return Ride{}, ErrMatchNoLongerValid
	}

	now := h.Clock()
	notes := []Notification{
		{
			UserID:  ride.PassengerID,
			Title:   "Driver Accepted Your Ride!",
			Message: "Your driver is on the way to pick you up",
			Type:    "ride_accepted",
			Data:    map[string]any{"ride_id": rideID, "driver_id": driverID},
		},
		{
			UserID:  driverID,
			Title:   "Ride Accepted",
			Message: fmt.Sprintf("Navigate to pickup: %s", ride.PickupAddress),
			Type:    "ride_navigation",
			Data:    map[string]any{"ride_id": rideID, "action": "navigate_to_pickup"},
		},
	}
	var (
		expired int
		written []Notification
	)
	err = h.Repo.InDispatchTx(ctx, func(tx DispatchTx) error {
		if err := tx.AssignRide(ctx, rideID, driverID, now); err != nil {
			return err
		}
		if err := tx.AcceptMatch(ctx, match.ID, now); err != nil {
			return err
		}
		n, err := tx.ExpireSiblings(ctx, rideID, match.ID, now)
		if err != nil {
			return err
		}
		expired = n
		if err := tx.ClaimDriver(ctx, driverID); err != nil {
			return err
		}
		written = h.enqueueAll(ctx, tx, notes)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMatchNoLongerValid) {
			metrics.Accepts.WithLabelValues("lost").Inc()
			log.Info("accept lost the race")
			return Ride{}, ErrMatchNoLongerValid
		}
		metrics.Accepts.WithLabelValues("error").Inc()
		return Ride{}, dependency("accept", err)
	}
	metrics.Accepts.WithLabelValues("won").Inc()

	ride.Status = RideMatched
	ride.DriverID = driverID
	ride.MatchedAt = &now
	h.committed(ctx, ride, "ride_matched", driverID, map[string]any{
		"driverId":        driverID,
		"matchId":         match.ID,
		"expiredSiblings": expired,
	}, written)
	log.WithField("expired_siblings", expired).Info("match accepted")
	return ride, nil
}

// DeclineResult reports what a decline left behind.
type DeclineResult struct {
	RemainingPending    int  `json:"remainingMatches"`
	RedispatchTriggered bool `json:"reMatchingTriggered"`
}

// Decline marks the driver's pending match declined. When no pending matches
// remain and the ride is still requested, a new round is scheduled; failure
// to schedule it is logged only.
func (h *ResponseHandler) Decline(ctx context.Context, rideID, driverID, reason string) (DeclineResult, error) {
	var res DeclineResult
	if rideID == "" || driverID == "" {
		return res, validationf("ride and driver are required")
	}
	log := h.Logger.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": driverID})

	match, err := h.Repo.FindMatch(ctx, rideID, driverID)
	if err != nil {
		return res, dependency("load match", err)
	}
	if match.Status != MatchPending {
		return res, ErrMatchNoLongerValid
	}
	now := h.Clock()
	if err := h.Repo.DeclineMatch(ctx, match.ID, now); err != nil {
		return res, dependency("decline match", err)
	}

	reason = strings.TrimSpace(reason)
	if reason != "" {
		h.enqueue(ctx, Notification{
			UserID:  driverID,
			Title:   "Ride Declined",
			Message: fmt.Sprintf("You declined a ride request. Reason: %s", reason),
			Type:    "ride_declined_by_driver",
			Data:    map[string]any{"ride_id": rideID, "reason": reason},
		})
	}

	ride, err := h.Repo.GetRide(ctx, rideID)
	if err != nil {
		return res, dependency("load ride", err)
	}
	h.committed(ctx, ride, "match_declined", driverID, map[string]any{
		"matchId": match.ID,
		"reason":  reason,
	}, nil)

	remaining, err := h.Repo.CountPendingMatches(ctx, rideID)
	if err != nil {
		return res, dependency("count pending matches", err)
	}
	res.RemainingPending = remaining
	if remaining > 0 || ride.Status != RideRequested || h.redispatch == nil {
		return res, nil
	}

	res.RedispatchTriggered = true
	if err := h.redispatch.Redispatch(ctx, rideID); err != nil {
		metrics.Redispatches.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("re-dispatch after decline failed")
		return res, nil
	}
	metrics.Redispatches.WithLabelValues("scheduled").Inc()
	log.Info("re-dispatch scheduled after last decline")
	return res, nil
}

// ListPendingMatches returns the driver's open offers, newest first.
func (h *ResponseHandler) ListPendingMatches(ctx context.Context, driverID string) ([]CandidateMatch, error) {
	if driverID == "" {
		return nil, validationf("driver is required")
	}
	matches, err := h.Repo.ListPendingMatches(ctx, driverID)
	if err != nil {
		return nil, dependency("list pending matches", err)
	}
	return matches, nil
}
