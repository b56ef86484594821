package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

var ErrQueueFull = errors.New("re-dispatch queue full")

// RoundRunner runs a matching round; the Coordinator is the production one.
type RoundRunner interface {
	RunMatchingRound(ctx context.Context, rideID string) (RoundResult, error)
}

// Queue is an in-process re-dispatch work queue drained by a fixed pool of
// workers. Enqueueing never blocks.
type Queue struct {
	runner  RoundRunner
	log     logrus.FieldLogger
	jobs    chan string
	workers int

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewQueue(runner RoundRunner, workers, depth int, log logrus.FieldLogger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 64
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{
		runner:  runner,
		log:     log.WithField("component", "redispatch"),
		jobs:    make(chan string, depth),
		workers: workers,
		pending: make(map[string]struct{}),
	}
}

// Redispatch schedules a round for the ride. A ride already waiting in the
// queue is not queued twice.
func (q *Queue) Redispatch(_ context.Context, rideID string) error {
	q.mu.Lock()
	if _, ok := q.pending[rideID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[rideID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- rideID:
		return nil
	default:
		q.done(rideID)
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rideID := <-q.jobs:
					q.done(rideID)
					q.run(ctx, rideID)
				}
			}
		}()
	}
	wg.Wait()
}

func (q *Queue) run(ctx context.Context, rideID string) {
	res, err := q.runner.RunMatchingRound(ctx, rideID)
	log := q.log.WithField("ride_id", rideID)
	switch {
	case errors.Is(err, ErrInvalidRideState):
		metrics.Redispatches.WithLabelValues("skipped").Inc()
		log.Debug("ride no longer requested, skipping round")
	case err != nil:
		metrics.Redispatches.WithLabelValues("failed").Inc()
		log.WithError(err).Warn("re-dispatch round failed")
	default:
		metrics.Redispatches.WithLabelValues("ran").Inc()
		log.WithFields(logrus.Fields{"outcome": res.Outcome, "matches": res.MatchesCreated}).Info("re-dispatch round finished")
	}
}

func (q *Queue) done(rideID string) {
	q.mu.Lock()
	delete(q.pending, rideID)
	q.mu.Unlock()
}

// Inline runs the round synchronously in the caller's goroutine. Errors other
// than a ride that is no longer requested are returned.
type Inline struct {
	Runner RoundRunner
}

func (i Inline) Redispatch(ctx context.Context, rideID string) error {
	_, err := i.Runner.RunMatchingRound(ctx, rideID)
	if errors.Is(err, ErrInvalidRideState) {
		return nil
	}
	return err
}
