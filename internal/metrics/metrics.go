package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchingRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_matching_rounds_total",
		Help: "Matching rounds by outcome.",
	}, []string{"outcome"})

	RoundCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_round_candidates",
		Help:    "Candidates offered per matching round.",
		Buckets: []float64{0, 1, 2, 5, 10, 15, 20},
	})

	Accepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_accept_total",
		Help: "Accept attempts by result.",
	}, []string{"result"})

	Redispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_redispatch_total",
		Help: "Re-dispatch triggers by result.",
	}, []string{"result"})

	StaleMatchesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_stale_matches_expired_total",
		Help: "Pending matches expired by the response-timeout sweep.",
	})

	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_notifications_failed_total",
		Help: "Notification records that could not be enqueued.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route", "status"})
)
