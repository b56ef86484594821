package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

// Sweeper expires pending matches that drivers left unanswered past the
// response window and schedules a new round for rides left with no offers.
type Sweeper struct {
	Deps
	redispatch Redispatcher
	window     time.Duration
	interval   time.Duration
}

func NewSweeper(deps Deps, redispatch Redispatcher, window, interval time.Duration) *Sweeper {
	if window <= 0 {
		window = 45 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Sweeper{Deps: deps.withDefaults(), redispatch: redispatch, window: window, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Logger.WithError(err).Warn("match sweep failed")
			}
		}
	}
}

// SweepOnce expires stale pending matches and returns the number of rides
// that were scheduled for re-dispatch.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.Clock()
	rideIDs, err := s.Repo.ExpireStaleMatches(ctx, now.Add(-s.window), now)
	if err != nil {
		return 0, dependency("expire stale matches", err)
	}
	if len(rideIDs) == 0 {
		return 0, nil
	}
	metrics.StaleMatchesExpired.Add(float64(len(rideIDs)))

	scheduled := 0
	for _, rideID := range rideIDs {
		log := s.Logger.WithField("ride_id", rideID)
		ride, err := s.Repo.GetRide(ctx, rideID)
		if err != nil {
			log.WithError(err).Warn("sweep could not load ride")
			continue
		}
		s.committed(ctx, ride, "matches_expired", "", map[string]any{"window": s.window.String()}, nil)
		if ride.Status != RideRequested || s.redispatch == nil {
			continue
		}
		remaining, err := s.Repo.CountPendingMatches(ctx, rideID)
		if err != nil || remaining > 0 {
			continue
		}
		if err := s.redispatch.Redispatch(ctx, rideID); err != nil {
			metrics.Redispatches.WithLabelValues("failed").Inc()
			log.WithError(err).Warn("re-dispatch after sweep failed")
			continue
		}
		metrics.Redispatches.WithLabelValues("scheduled").Inc()
		scheduled++
	}
	s.Logger.WithFields(logrus.Fields{"rides": len(rideIDs), "redispatched": scheduled}).Info("stale matches expired")
	return scheduled, nil
}
