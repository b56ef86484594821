package dispatch

import "math"

const (
	distanceWeight   = 40.0
	ratingWeight     = 35.0
	experienceWeight = 25.0

	// scoring saturates at these values
	maxScoredDistanceKM = 10.0
	maxRating           = 5.0
	experiencedRides    = 100.0

	averageSpeedKMH = 30.0
)

// Score rates a candidate driver from 0 to 100. Inputs must be non-negative;
// callers validate before invoking.
func Score(distanceKM, rating float64, totalRides int) float64 {
	distance := math.Max(0, (maxScoredDistanceKM-distanceKM)/maxScoredDistanceKM) * distanceWeight
	quality := (rating / maxRating) * ratingWeight
	experience := math.Min(float64(totalRides)/experiencedRides, 1) * experienceWeight
	return distance + quality + experience
}

// TravelMinutes is the whole-minute travel estimate at the assumed city speed.
func TravelMinutes(distanceKM float64) int {
	return int(math.Ceil(distanceKM / averageSpeedKMH * 60))
}

// ScoredCandidate is a driver evaluated during a matching round.
type ScoredCandidate struct {
	MatchID    string  `json:"matchId"`
	DriverID   string  `json:"driverId"`
	DistanceKM float64 `json:"distanceToPickupKm"`
	ETAMinutes int     `json:"estimatedArrivalMin"`
	Score      float64 `json:"matchScore"`
}

// better reports whether a outranks b: higher score, then nearer, then lower driver id.
func better(a, b ScoredCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DistanceKM != b.DistanceKM {
		return a.DistanceKM < b.DistanceKM
	}
	return a.DriverID < b.DriverID
}

// SelectBest folds the candidates with max-by ranking. The result does not
// depend on input order.
func SelectBest(candidates []ScoredCandidate) (ScoredCandidate, bool) {
	if len(candidates) == 0 {
		return ScoredCandidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best, true
}

func validScoringInputs(distanceKM, rating float64, totalRides int) bool {
	return distanceKM >= 0 && rating >= 0 && totalRides >= 0 &&
		!math.IsNaN(distanceKM) && !math.IsNaN(rating)
}
