package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/dispatch"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher fans committed ride updates and notification records out to
// Kafka. It implements dispatch.Publisher.
type KafkaPublisher struct {
	writer            messageWriter
	rideTopic         string
	notificationTopic string
	timeout           time.Duration
	log               logrus.FieldLogger
}

// NewKafkaPublisher builds an async writer; delivery errors are logged by
// the completion callback.
func NewKafkaPublisher(brokers []string, rideTopic, notificationTopic string, log logrus.FieldLogger) *KafkaPublisher {
	log = log.WithField("component", "kafka")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).Warn("kafka delivery failed")
			}
		},
	}
	return newKafkaPublisher(w, rideTopic, notificationTopic, log)
}

func newKafkaPublisher(w messageWriter, rideTopic, notificationTopic string, log logrus.FieldLogger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:            w,
		rideTopic:         rideTopic,
		notificationTopic: notificationTopic,
		timeout:           2 * time.Second,
		log:               log,
	}
}

type rideUpdate struct {
	Ride dispatch.Ride `json:"ride"`
	At   time.Time     `json:"at"`
}

func (k *KafkaPublisher) RideUpdated(ctx context.Context, ride dispatch.Ride) {
	body, err := json.Marshal(rideUpdate{Ride: ride, At: time.Now().UTC()})
	if err != nil {
		k.log.WithError(err).Warn("marshal ride update")
		return
	}
	k.write(ctx, kafka.Message{Topic: k.rideTopic, Key: []byte(ride.ID), Value: body})
}

// Notified publishes one message per record keyed by user so a user's
// notifications stay ordered within a partition.
func (k *KafkaPublisher) Notified(ctx context.Context, batch []dispatch.Notification) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, n := range batch {
		body, err := json.Marshal(n)
		if err != nil {
			k.log.WithError(err).Warn("marshal notification")
			continue
		}
		msgs = append(msgs, kafka.Message{Topic: k.notificationTopic, Key: []byte(n.UserID), Value: body})
	}
	k.write(ctx, msgs...)
}

func (k *KafkaPublisher) write(ctx context.Context, msgs ...kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	// the request context may end right after the response is written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.log.WithError(err).WithField("messages", len(msgs)).Warn("kafka publish failed")
	}
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
