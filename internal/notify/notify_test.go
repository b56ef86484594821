package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/segmentio/kafka-go"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridedispatch/internal/dispatch"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_RideUpdated(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	w := &fakeWriter{}
	pub := newKafkaPublisher(w, "rides", "notifications", logger)

	pub.RideUpdated(context.Background(), dispatch.Ride{ID: "r1", Status: dispatch.RideMatched, DriverID: "d1"})

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "rides", msg.Topic)
	assert.Equal(t, []byte("r1"), msg.Key)
	var body rideUpdate
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, dispatch.RideMatched, body.Ride.Status)
	assert.False(t, body.At.IsZero())
}

func TestKafkaPublisher_NotifiedKeysByUser(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	w := &fakeWriter{}
	pub := newKafkaPublisher(w, "rides", "notifications", logger)

	pub.Notified(context.Background(), []dispatch.Notification{
		{UserID: "p1", Type: "ride_accepted"},
		{UserID: "d1", Type: "ride_navigation"},
	})
	pub.Notified(context.Background(), nil)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "notifications", w.msgs[0].Topic)
	assert.Equal(t, []byte("p1"), w.msgs[0].Key)
	assert.Equal(t, []byte("d1"), w.msgs[1].Key)
}

func TestKafkaPublisher_WriteFailureIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	w := &fakeWriter{err: errors.New("broker down")}
	pub := newKafkaPublisher(w, "rides", "notifications", logger)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.RideUpdated(ctx, dispatch.Ride{ID: "r1"})

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "kafka publish failed", hook.LastEntry().Message)
	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.topic, p.body = topic, body
	return p.err
}

func (p *fakeProducer) Stop() {}

func TestNSQRedispatcher(t *testing.T) {
	p := &fakeProducer{}
	r := &NSQRedispatcher{producer: p, topic: "ride-redispatch"}

	require.NoError(t, r.Redispatch(context.Background(), "r1"))
	assert.Equal(t, "ride-redispatch", p.topic)
	var task RedispatchTask
	require.NoError(t, json.Unmarshal(p.body, &task))
	assert.Equal(t, "r1", task.RideID)

	p.err = errors.New("nsqd unreachable")
	assert.Error(t, r.Redispatch(context.Background(), "r1"))
}

type stubRunner struct {
	rides []string
	err   error
}

func (s *stubRunner) RunMatchingRound(_ context.Context, rideID string) (dispatch.RoundResult, error) {
	s.rides = append(s.rides, rideID)
	return dispatch.RoundResult{RideID: rideID, Outcome: dispatch.OutcomeOffered}, s.err
}

func message(t *testing.T, body any) *nsq.Message {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	return nsq.NewMessage(id, raw)
}

func TestRedispatchHandler(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	tests := []struct {
		name    string
		body    any
		err     error
		wantErr bool
		wantRun bool
	}{
		{name: "runs the round", body: RedispatchTask{RideID: "r1"}, wantRun: true},
		{name: "ride moved on is acknowledged", body: RedispatchTask{RideID: "r1"}, err: dispatch.ErrRideNotMatchable, wantRun: true},
		{name: "ride gone is acknowledged", body: RedispatchTask{RideID: "r1"}, err: dispatch.ErrNotFound, wantRun: true},
		{name: "dependency failure requeues", body: RedispatchTask{RideID: "r1"}, err: dispatch.ErrDependency, wantErr: true, wantRun: true},
		{name: "malformed task is dropped", body: map[string]string{"unexpected": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{err: tt.err}
			h := &RedispatchHandler{Runner: runner, Log: logger}

			err := h.HandleMessage(message(t, tt.body))

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantRun, len(runner.rides) == 1)
		})
	}
}
