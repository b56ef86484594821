package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
)

const redispatchChannel = "dispatch"

// RedispatchTask is the body of a re-dispatch message.
type RedispatchTask struct {
	RideID      string    `json:"rideId"`
	RequestedAt time.Time `json:"requestedAt"`
}

type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQRedispatcher enqueues re-dispatch tasks on nsqd. It implements
// dispatch.Redispatcher.
type NSQRedispatcher struct {
	producer producer
	topic    string
}

func NewNSQRedispatcher(addr, topic string) (*NSQRedispatcher, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("ping nsqd: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQRedispatcher{producer: p, topic: topic}, nil
}

func (r *NSQRedispatcher) Redispatch(_ context.Context, rideID string) error {
	body, err := json.Marshal(RedispatchTask{RideID: rideID, RequestedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := r.producer.Publish(r.topic, body); err != nil {
		return fmt.Errorf("publish re-dispatch: %w", err)
	}
	return nil
}

func (r *NSQRedispatcher) Stop() {
	r.producer.Stop()
}

// RedispatchHandler runs a matching round for each consumed task. Rides that
// are no longer requested are acknowledged and dropped; dependency failures
// are returned so nsqd requeues the message.
type RedispatchHandler struct {
	Runner dispatch.RoundRunner
	Log    logrus.FieldLogger
}

func (h *RedispatchHandler) HandleMessage(m *nsq.Message) error {
	var task RedispatchTask
	if err := json.Unmarshal(m.Body, &task); err != nil || task.RideID == "" {
		h.Log.WithError(err).Warn("dropping malformed re-dispatch task")
		return nil
	}
	log := h.Log.WithField("ride_id", task.RideID)
	res, err := h.Runner.RunMatchingRound(context.Background(), task.RideID)
	switch {
	case errors.Is(err, dispatch.ErrInvalidRideState), errors.Is(err, dispatch.ErrNotFound):
		log.WithError(err).Debug("re-dispatch no longer applicable")
		return nil
	case err != nil:
		log.WithError(err).Warn("re-dispatch round failed, requeueing")
		return err
	}
	log.WithFields(logrus.Fields{"outcome": res.Outcome, "attempt": m.Attempts}).Info("re-dispatch round finished")
	return nil
}

// StartRedispatchConsumer connects a consumer for the topic. Stop it with
// the returned consumer's Stop.
func StartRedispatchConsumer(addr, topic string, h *RedispatchHandler, concurrency int) (*nsq.Consumer, error) {
	cfg := nsq.NewConfig()
	cfg.MaxAttempts = 5
	cfg.MaxInFlight = concurrency
	c, err := nsq.NewConsumer(topic, redispatchChannel, cfg)
	if err != nil {
		return nil, fmt.Errorf("create nsq consumer: %w", err)
	}
	c.SetLoggerLevel(nsq.LogLevelWarning)
	c.AddConcurrentHandlers(h, concurrency)
	if err := c.ConnectToNSQD(addr); err != nil {
		return nil, fmt.Errorf("connect nsqd: %w", err)
	}
	return c, nil
}
