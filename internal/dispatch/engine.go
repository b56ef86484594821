package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/metrics"
)

// Config tunes candidate discovery and auto-assignment.
type Config struct {
	RadiusKM        float64
	CandidateLimit  int
	AutoAssignScore float64
	// ScanFactor widens the geo query so that filtering unavailable drivers
	// still leaves CandidateLimit entries in dense areas.
	ScanFactor int
}

func DefaultConfig() Config {
	return Config{
		RadiusKM:        10,
		CandidateLimit:  20,
		AutoAssignScore: 70,
		ScanFactor:      5,
	}
}

// Deps are the collaborators shared by the coordinator, response handler
// and lifecycle manager.
type Deps struct {
	Repo      Repository
	Geo       GeoIndex
	Publisher Publisher
	Events    EventLogger
	Idem      IdempotencyStore
	Logger    logrus.FieldLogger
	Clock     func() time.Time
	NewID     func() string
}

func (d Deps) withDefaults() Deps {
	if d.Publisher == nil {
		d.Publisher = noopPublisher{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return d
}

type noopPublisher struct{}

func (noopPublisher) RideUpdated(context.Context, Ride)        {}
func (noopPublisher) Notified(context.Context, []Notification) {}

// Publishers fans a change out to every member.
type Publishers []Publisher

func (ps Publishers) RideUpdated(ctx context.Context, ride Ride) {
	for _, p := range ps {
		p.RideUpdated(ctx, ride)
	}
}

func (ps Publishers) Notified(ctx context.Context, batch []Notification) {
	for _, p := range ps {
		p.Notified(ctx, batch)
	}
}

// committed records the event log entry and fans out a committed change.
// Failures are logged only; the transition has already happened.
func (d Deps) committed(ctx context.Context, ride Ride, evt string, actor string, payload map[string]any, notes []Notification) {
	if d.Events != nil {
		body, _ := json.Marshal(payload)
		err := d.Events.AppendRideEvent(ctx, RideEvent{
			RideID:    ride.ID,
			Type:      evt,
			Payload:   body,
			ActorID:   actor,
			CreatedAt: d.Clock(),
		})
		if err != nil {
			d.Logger.WithError(err).WithFields(logrus.Fields{"ride_id": ride.ID, "event": evt}).Warn("ride event append failed")
		}
	}
	d.Publisher.RideUpdated(ctx, ride)
	if len(notes) > 0 {
		d.Publisher.Notified(ctx, notes)
	}
}

// enqueue hands a notification to the sink outside a transaction.
func (d Deps) enqueue(ctx context.Context, n Notification) bool {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.Clock()
	}
	if err := d.Repo.Enqueue(ctx, n); err != nil {
		metrics.NotificationsFailed.Inc()
		d.Logger.WithError(err).WithFields(logrus.Fields{"user_id": n.UserID, "type": n.Type}).Warn("notification enqueue failed")
		return false
	}
	return true
}

type notifier interface {
	EnqueueNotification(ctx context.Context, n Notification) error
}

// enqueueAll writes notifications inside a transaction, tolerating failures.
// It returns the records that were written.
func (d Deps) enqueueAll(ctx context.Context, tx notifier, notes []Notification) []Notification {
	written := make([]Notification, 0, len(notes))
	for _, n := range notes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = d.Clock()
		}
		if err := tx.EnqueueNotification(ctx, n); err != nil {
			metrics.NotificationsFailed.Inc()
			d.Logger.WithError(err).WithFields(logrus.Fields{"user_id": n.UserID, "type": n.Type}).Warn("notification enqueue failed")
			continue
		}
		written = append(written, n)
	}
	return written
}
