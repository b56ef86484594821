package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNotFound           = errors.New("not found")
	ErrInvalidRideState   = errors.New("invalid ride state")
	ErrMatchNoLongerValid = errors.New("match no longer valid")
	ErrValidation         = errors.New("validation failed")
	ErrDependency         = errors.New("dependency failure")

	// ErrNoDriversAvailable is never returned by a matching round; the round
	// reports OutcomeNoDrivers instead. Callers may use it to signal the same
	// condition upstream.
	ErrNoDriversAvailable = errors.New("no drivers available")

	ErrRideNotMatchable = fmt.Errorf("%w: ride not matchable", ErrInvalidRideState)
	ErrActiveRide       = fmt.Errorf("%w: passenger already has an active ride", ErrValidation)

	// ErrDriverUnavailable means the driver could not be claimed, for example
	// after going offline.
	ErrDriverUnavailable = fmt.Errorf("%w: driver no longer available", ErrMatchNoLongerValid)
)

// Kind names the taxonomy entry an error belongs to, or "" when unknown.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized):
		return "NotAuthorized"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrMatchNoLongerValid):
		return "MatchNoLongerValid"
	case errors.Is(err, ErrInvalidRideState):
		return "InvalidRideState"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNoDriversAvailable):
		return "NoDriversAvailable"
	case errors.Is(err, ErrDependency):
		return "DependencyFailure"
	}
	return ""
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func dependency(op string, err error) error {
	if err == nil {
		return nil
	}
	// kinds already classified by the store pass through untouched
	if KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDependency, op, err)
}
