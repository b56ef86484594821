package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Lifecycle moves matched rides through start and completion, and cancels
// rides that were never matched.
type Lifecycle struct {
	Deps
}

func NewLifecycle(deps Deps) *Lifecycle {
	return &Lifecycle{Deps: deps.withDefaults()}
}

// StartRide moves a matched ride to in_progress. Only the assigned driver may start it.
func (l *Lifecycle) StartRide(ctx context.Context, rideID, driverID string) (Ride, error) {
	ride, err := l.Repo.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, dependency("load ride", err)
	}
	// a ride without a driver has nothing to start, whoever asks
	if ride.Status.Terminal() || ride.DriverID == "" {
		return Ride{}, fmt.Errorf("%w: ride is %s", ErrInvalidRideState, ride.Status)
	}
	if ride.DriverID != driverID {
		return Ride{}, fmt.Errorf("%w: only the assigned driver can start the ride", ErrNotAuthorized)
	}
	if ride.Status != RideMatched {
		return Ride{}, fmt.Errorf("%w: ride must be matched to start", ErrInvalidRideState)
	}

	now := l.Clock()
	var written []Notification
	err = l.Repo.InLifecycleTx(ctx, func(tx LifecycleTx) error {
		if err := tx.StartRide(ctx, rideID, now); err != nil {
			return err
		}
		written = l.enqueueAll(ctx, tx, []Notification{{
			UserID:  ride.PassengerID,
			Title:   "Ride Started",
			Message: "Your driver has started the trip. Enjoy your ride!",
			Type:    "ride_started",
			Data:    map[string]any{"ride_id": rideID},
		}})
		return nil
	})
	if err != nil {
		return Ride{}, dependency("start ride", err)
	}
	ride.Status = RideInProgress
	ride.StartedAt = &now
	l.committed(ctx, ride, "ride_started", driverID, nil, written)
	return ride, nil
}

// CompleteRide finishes a matched or in-progress ride. Either party may
// complete it; a ride that was never started is started implicitly.
func (l *Lifecycle) CompleteRide(ctx context.Context, rideID, callerID string, actualDistanceKM *float64, actualDurationMin *int) (Ride, error) {
	if actualDistanceKM != nil && (*actualDistanceKM < 0 || math.IsNaN(*actualDistanceKM)) {
		return Ride{}, validationf("actual distance must be non-negative")
	}
	if actualDurationMin != nil && *actualDurationMin < 0 {
		return Ride{}, validationf("actual duration must be non-negative")
	}
	ride, err := l.Repo.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, dependency("load ride", err)
	}
	if ride.Status.Terminal() {
		return Ride{}, fmt.Errorf("%w: ride is %s", ErrInvalidRideState, ride.Status)
	}
	byDriver := callerID != "" && callerID == ride.DriverID
	if !byDriver && callerID != ride.PassengerID {
		return Ride{}, fmt.Errorf("%w: only the ride's driver or passenger can complete it", ErrNotAuthorized)
	}
	if ride.Status != RideMatched && ride.Status != RideInProgress {
		return Ride{}, fmt.Errorf("%w: ride must be matched or in progress to complete", ErrInvalidRideState)
	}

	now := l.Clock()
	from := ride.Status
	startedAt := now
	if ride.StartedAt != nil {
		startedAt = *ride.StartedAt
	}
	duration := elapsedMinutes(startedAt, now)
	if actualDurationMin != nil {
		duration = *actualDurationMin
	}
	completion := Completion{At: now, ActualDistanceKM: actualDistanceKM, ActualDurationMin: duration}

	prompt := Notification{
		UserID:  ride.DriverID,
		Title:   "Ride Completed",
		Message: "Your ride has been completed. Please rate your passenger!",
		Type:    "ride_completed",
		Data:    map[string]any{"ride_id": rideID, "action": "rate_passenger"},
	}
	if byDriver {
		prompt.UserID = ride.PassengerID
		prompt.Message = "Your ride has been completed. Please rate your driver!"
		prompt.Data = map[string]any{"ride_id": rideID, "action": "rate_driver"}
	}

	var written []Notification
	err = l.Repo.InLifecycleTx(ctx, func(tx LifecycleTx) error {
		if from == RideMatched {
			if err := tx.StartRide(ctx, rideID, startedAt); err != nil {
				return err
			}
		}
		if err := tx.CompleteRide(ctx, rideID, RideInProgress, completion); err != nil {
			return err
		}
		if err := tx.ReleaseDriver(ctx, ride.DriverID); err != nil {
			return err
		}
		written = l.enqueueAll(ctx, tx, []Notification{prompt})
		return nil
	})
	if err != nil {
		return Ride{}, dependency("complete ride", err)
	}

	ride.Status = RideCompleted
	ride.StartedAt = &startedAt
	ride.CompletedAt = &now
	ride.ActualDistanceKM = actualDistanceKM
	ride.ActualDurationMin = &duration
	l.committed(ctx, ride, "ride_completed", callerID, map[string]any{
		"implicitStart":     from == RideMatched,
		"actualDurationMin": duration,
	}, written)
	l.Logger.WithFields(logrus.Fields{"ride_id": rideID, "driver_id": ride.DriverID}).Info("ride completed")
	return ride, nil
}

// CancelRide cancels a ride that has not been matched yet and expires its
// open offers. Only the passenger or an admin may cancel.
func (l *Lifecycle) CancelRide(ctx context.Context, rideID string, caller Identity) (Ride, error) {
	ride, err := l.Repo.GetRide(ctx, rideID)
	if err != nil {
		return Ride{}, dependency("load ride", err)
	}
	if caller.Role != RoleAdmin && caller.ID != ride.PassengerID {
		return Ride{}, fmt.Errorf("%w: only the passenger can cancel", ErrNotAuthorized)
	}
	if ride.Status != RideRequested {
		return Ride{}, fmt.Errorf("%w: only requested rides can be cancelled", ErrInvalidRideState)
	}

	now := l.Clock()
	var expired int
	err = l.Repo.InLifecycleTx(ctx, func(tx LifecycleTx) error {
		if err := tx.CancelRide(ctx, rideID, now); err != nil {
			return err
		}
		n, err := tx.ExpirePending(ctx, rideID, now)
		expired = n
		return err
	})
	if err != nil {
		return Ride{}, dependency("cancel ride", err)
	}
	ride.Status = RideCancelled
	ride.CancelledAt = &now
	l.committed(ctx, ride, "ride_cancelled", caller.ID, map[string]any{"expiredMatches": expired}, nil)
	return ride, nil
}

// elapsedMinutes rounds up to whole minutes and never goes negative.
func elapsedMinutes(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}
