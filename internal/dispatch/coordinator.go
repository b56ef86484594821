package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

type Outcome string

const (
	OutcomeNoDrivers    Outcome = "no_drivers"
	OutcomeOffered      Outcome = "offered"
	OutcomeAutoAssigned Outcome = "auto_assigned"
)

// RoundResult summarises one matching round.
type RoundResult struct {
	RideID         string            `json:"rideId"`
	Outcome        Outcome           `json:"outcome"`
	MatchesCreated int               `json:"matchesCreated"`
	Candidates     []ScoredCandidate `json:"candidates"`
	Best           *ScoredCandidate  `json:"bestMatch,omitempty"`
	AutoAssigned   bool              `json:"autoAssigned"`
}

// Coordinator runs matching rounds and creates rides.
type Coordinator struct {
	Deps
	cfg  Config
	idem *idemCache
}

func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.RadiusKM <= 0 || cfg.CandidateLimit <= 0 {
		def := DefaultConfig()
		cfg.RadiusKM, cfg.CandidateLimit = def.RadiusKM, def.CandidateLimit
	}
	if cfg.ScanFactor < 1 {
		cfg.ScanFactor = 1
	}
	return &Coordinator{Deps: deps.withDefaults(), cfg: cfg, idem: newIdemCache()}
}

// SetIdempotencyTTL overrides how long request keys are remembered in memory.
func (c *Coordinator) SetIdempotencyTTL(ttl time.Duration) {
	c.idem.SetTTL(ttl)
}

type candidate struct {
	driver     Driver
	distanceKM float64
}

// RunMatchingRound discovers, scores and offers candidates for a requested
// ride, auto-assigning the best one when it clears the threshold.
func (c *Coordinator) RunMatchingRound(ctx context.Context, rideID string) (RoundResult, error) {
	result := RoundResult{RideID: rideID}
	log := c.Logger.WithField("ride_id", rideID)

	ride, err := c.Repo.GetRide(ctx, rideID)
	if err != nil {
		return result, dependency("load ride", err)
	}
	if ride.Status != RideRequested {
		return result, ErrRideNotMatchable
	}

	candidates, err := c.findCandidates(ctx, ride)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		result.Outcome = OutcomeNoDrivers
		metrics.MatchingRounds.WithLabelValues(string(OutcomeNoDrivers)).Inc()
		metrics.RoundCandidates.Observe(0)
		log.Info("no drivers available")
		return result, nil
	}

	now := c.Clock()
	offered := make([]ScoredCandidate, 0, len(candidates))
	for _, cand := range candidates {
		sc := ScoredCandidate{
			MatchID:    c.NewID(),
			DriverID:   cand.driver.ID,
			DistanceKM: round2(cand.distanceKM),
			ETAMinutes: TravelMinutes(cand.distanceKM),
			Score:      round2(Score(cand.distanceKM, cand.driver.Rating, cand.driver.TotalRides)),
		}
		err := c.Repo.InsertMatch(ctx, CandidateMatch{
			ID:         sc.MatchID,
			RideID:     ride.ID,
			DriverID:   sc.DriverID,
			DistanceKM: sc.DistanceKM,
			ETAMinutes: sc.ETAMinutes,
			Score:      sc.Score,
			Status:     MatchPending,
			CreatedAt:  now,
		})
		if err != nil {
			log.WithError(err).WithField("driver_id", sc.DriverID).Warn("candidate match insert failed, skipping")
			continue
		}
		offered = append(offered, sc)
		c.enqueue(ctx, Notification{
			UserID:  sc.DriverID,
			Title:   "New Ride Request",
			Message: fmt.Sprintf("Ride request from %s to %s", ride.PickupAddress, ride.DropoffAddress),
			Type:    "ride_request",
			Data:    map[string]any{"ride_id": ride.ID, "match_id": sc.MatchID},
		})
	}
	if len(offered) == 0 {
		return result, fmt.Errorf("%w: no candidate match could be stored", ErrDependency)
	}

	result.MatchesCreated = len(offered)
	result.Candidates = rank(offered)
	best, _ := SelectBest(offered)
	result.Best = &best
	result.Outcome = OutcomeOffered
	metrics.RoundCandidates.Observe(float64(len(offered)))

	if best.Score >= c.cfg.AutoAssignScore {
		err := c.autoAssign(ctx, ride, best)
		switch {
		case err == nil:
			result.Outcome = OutcomeAutoAssigned
			result.AutoAssigned = true
		case errors.Is(err, ErrDriverUnavailable):
			// the offer cannot be honoured; the remaining offers stay open
			log.WithField("driver_id", best.DriverID).Info("auto-assign skipped, driver no longer available")
			if err := c.Repo.ExpireMatch(ctx, best.MatchID, c.Clock()); err != nil && !errors.Is(err, ErrMatchNoLongerValid) {
				log.WithError(err).WithField("match_id", best.MatchID).Warn("failed to expire unclaimable match")
			}
		case errors.Is(err, ErrMatchNoLongerValid):
			// a driver accepted while the round was running; their accept stands
			log.WithField("driver_id", best.DriverID).Info("auto-assign lost to a concurrent accept")
		default:
			metrics.MatchingRounds.WithLabelValues("error").Inc()
			return result, dependency("auto-assign", err)
		}
	}
	metrics.MatchingRounds.WithLabelValues(string(result.Outcome)).Inc()
	log.WithFields(logrus.Fields{
		"matches":       result.MatchesCreated,
		"best_driver":   best.DriverID,
		"best_score":    best.Score,
		"auto_assigned": result.AutoAssigned,
	}).Info("matching round finished")
	return result, nil
}

// findCandidates returns available, verified, located drivers within the
// radius ordered by distance and capped at the candidate limit. The geo query
// widens until enough eligible drivers are found or the radius is exhausted,
// so busy drivers near the pickup cannot hide free ones further out.
func (c *Coordinator) findCandidates(ctx context.Context, ride Ride) ([]candidate, error) {
	alreadyOffered, err := c.Repo.PendingDriverIDs(ctx, ride.ID)
	if err != nil {
		return nil, dependency("load pending matches", err)
	}
	limit := c.cfg.CandidateLimit * c.cfg.ScanFactor
	if limit < c.cfg.CandidateLimit {
		limit = c.cfg.CandidateLimit
	}
	for {
		hits, err := c.Geo.WithinRadius(ctx, ride.Pickup, c.cfg.RadiusKM, limit)
		if err != nil {
			return nil, dependency("geo query", err)
		}
		if len(hits) == 0 {
			return nil, nil
		}
		out, err := c.eligible(ctx, hits, alreadyOffered)
		if err != nil {
			return nil, err
		}
		if len(out) >= c.cfg.CandidateLimit || len(hits) < limit {
			return out, nil
		}
		limit *= 2
	}
}

// eligible filters geo hits down to drivers that may receive an offer.
func (c *Coordinator) eligible(ctx context.Context, hits []GeoHit, alreadyOffered map[string]struct{}) ([]candidate, error) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].DistanceKM != hits[j].DistanceKM {
			return hits[i].DistanceKM < hits[j].DistanceKM
		}
		return hits[i].DriverID < hits[j].DriverID
	})

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DriverID)
	}
	drivers, err := c.Repo.GetDrivers(ctx, ids)
	if err != nil {
		return nil, dependency("load drivers", err)
	}

	out := make([]candidate, 0, c.cfg.CandidateLimit)
	for _, h := range hits {
		if h.DistanceKM > c.cfg.RadiusKM {
			continue
		}
		d, ok := drivers[h.DriverID]
		if !ok || !d.Available || !d.Verified || d.Location == nil {
			continue
		}
		if _, dup := alreadyOffered[d.ID]; dup {
			continue
		}
		if !validScoringInputs(h.DistanceKM, d.Rating, d.TotalRides) {
			c.Logger.WithField("driver_id", d.ID).Warn("driver has invalid scoring inputs, skipping")
			continue
		}
		out = append(out, candidate{driver: d, distanceKM: h.DistanceKM})
		if len(out) == c.cfg.CandidateLimit {
			break
		}
	}
	return out, nil
}

func (c *Coordinator) autoAssign(ctx context.Context, ride Ride, best ScoredCandidate) error {
	now := c.Clock()
	notes := []Notification{
		{
			UserID:  ride.PassengerID,
			Title:   "Driver Found!",
			Message: fmt.Sprintf("Your driver will pick you up in %d minutes", best.ETAMinutes),
			Type:    "ride_matched",
			Data:    map[string]any{"ride_id": ride.ID, "driver_id": best.DriverID},
		},
		{
			UserID:  best.DriverID,
			Title:   "Ride Assigned",
			Message: fmt.Sprintf("Pick up passenger at %s", ride.PickupAddress),
			Type:    "ride_assigned",
			Data:    map[string]any{"ride_id": ride.ID},
		},
	}
	var written []Notification
	err := c.Repo.InDispatchTx(ctx, func(tx DispatchTx) error {
		if err := tx.AssignRide(ctx, ride.ID, best.DriverID, now); err != nil {
			return err
		}
		if err := tx.AcceptMatch(ctx, best.MatchID, now); err != nil {
			return err
		}
		if _, err := tx.ExpireSiblings(ctx, ride.ID, best.MatchID, now); err != nil {
			return err
		}
		if err := tx.ClaimDriver(ctx, best.DriverID); err != nil {
			return err
		}
		written = c.enqueueAll(ctx, tx, notes)
		return nil
	})
	if err != nil {
		return err
	}
	ride.Status = RideMatched
	ride.DriverID = best.DriverID
	ride.MatchedAt = &now
	c.committed(ctx, ride, "ride_matched", "", map[string]any{
		"driverId": best.DriverID,
		"matchId":  best.MatchID,
		"score":    best.Score,
		"auto":     true,
	}, written)
	return nil
}

// rank orders candidates best first.
func rank(in []ScoredCandidate) []ScoredCandidate {
	out := append([]ScoredCandidate(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// RideRequest is a passenger's request for a new ride.
type RideRequest struct {
	PassengerID    string `json:"-"`
	Pickup         Point  `json:"pickup"`
	PickupAddress  string `json:"pickupAddress"`
	Dropoff        Point  `json:"dropoff"`
	DropoffAddress string `json:"dropoffAddress"`
	IdempotencyKey string `json:"-"`
}

func (r RideRequest) validate() error {
	var missing []string
	if r.PassengerID == "" {
		missing = append(missing, "passenger")
	}
	if strings.TrimSpace(r.PickupAddress) == "" {
		missing = append(missing, "pickupAddress")
	}
	if strings.TrimSpace(r.DropoffAddress) == "" {
		missing = append(missing, "dropoffAddress")
	}
	if len(missing) > 0 {
		return validationf("missing %s", strings.Join(missing, ", "))
	}
	if !r.Pickup.Valid() || !r.Dropoff.Valid() {
		return validationf("coordinates out of range")
	}
	return nil
}

// RequestRide creates a requested ride and runs the initial matching round.
// A failed round does not fail the request; the ride stays dispatchable.
func (c *Coordinator) RequestRide(ctx context.Context, req RideRequest) (Ride, RoundResult, error) {
	if err := req.validate(); err != nil {
		return Ride{}, RoundResult{}, err
	}
	if ride, ok := c.lookupIdempotent(ctx, req.IdempotencyKey); ok {
		return ride, RoundResult{RideID: ride.ID}, nil
	}

	active, err := c.Repo.HasActiveRide(ctx, req.PassengerID)
	if err != nil {
		return Ride{}, RoundResult{}, dependency("active ride check", err)
	}
	if active {
		return Ride{}, RoundResult{}, ErrActiveRide
	}

	distance := round2(HaversineKM(req.Pickup, req.Dropoff))
	ride := Ride{
		ID:                   c.NewID(),
		PassengerID:          req.PassengerID,
		Status:               RideRequested,
		Pickup:               req.Pickup,
		PickupAddress:        req.PickupAddress,
		Dropoff:              req.Dropoff,
		DropoffAddress:       req.DropoffAddress,
		EstimatedDistanceKM:  distance,
		EstimatedDurationMin: TravelMinutes(distance),
		RequestedAt:          c.Clock(),
	}
	if err := c.Repo.CreateRide(ctx, ride); err != nil {
		return Ride{}, RoundResult{}, dependency("create ride", err)
	}
	c.rememberIdempotent(ctx, req.IdempotencyKey, ride.ID)
	c.committed(ctx, ride, "ride_requested", ride.PassengerID, map[string]any{
		"estimatedDistanceKm": ride.EstimatedDistanceKM,
	}, nil)

	round, err := c.RunMatchingRound(ctx, ride.ID)
	if err != nil {
		c.Logger.WithError(err).WithField("ride_id", ride.ID).Warn("initial matching round failed")
		return ride, round, nil
	}
	if round.AutoAssigned {
		if fresh, err := c.Repo.GetRide(ctx, ride.ID); err == nil {
			ride = fresh
		}
	}
	return ride, round, nil
}

func (c *Coordinator) lookupIdempotent(ctx context.Context, key string) (Ride, bool) {
	if key == "" {
		return Ride{}, false
	}
	id, ok := c.idem.Lookup(key)
	if !ok && c.Idem != nil {
		found, hit, err := c.Idem.Lookup(ctx, key)
		if err != nil {
			c.Logger.WithError(err).Warn("idempotency lookup failed")
		}
		id, ok = found, hit && err == nil
	}
	if !ok {
		return Ride{}, false
	}
	ride, err := c.Repo.GetRide(ctx, id)
	if err != nil {
		return Ride{}, false
	}
	return ride, true
}

func (c *Coordinator) rememberIdempotent(ctx context.Context, key, rideID string) {
	if key == "" {
		return
	}
	c.idem.Remember(key, rideID)
	if c.Idem != nil {
		if err := c.Idem.Remember(ctx, key, rideID); err != nil {
			c.Logger.WithError(err).Warn("idempotency remember failed")
		}
	}
}
