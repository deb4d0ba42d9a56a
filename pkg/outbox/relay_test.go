package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	pending []Event
	sent    []int64
	failed  map[int64]string
}

func newFakeStore(events ...Event) *fakeStore {
	return &fakeStore{pending: events, failed: map[int64]string{}}
}

func (s *fakeStore) LockBatch(_ context.Context, _ string, batchSize int, _ time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := batchSize
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := s.pending[:n]
	s.pending = s.pending[n:]
	return batch, nil
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, ids...)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return nil
}

func (s *fakeStore) ExtendLease(context.Context, string, []int64, time.Duration) error { return nil }

func (s *fakeStore) snapshot() ([]int64, map[int64]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := append([]int64(nil), s.sent...)
	failed := make(map[int64]string, len(s.failed))
	for k, v := range s.failed {
		failed[k] = v
	}
	return sent, failed
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []kafka.Message
	failKeys map[string]bool
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.failKeys[string(m.Key)] {
			return fmt.Errorf("broker unavailable")
		}
		p.messages = append(p.messages, m)
	}
	return nil
}

func (p *fakeProducer) snapshot() []kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]kafka.Message(nil), p.messages...)
}

func runRelayUntil(t *testing.T, relay *Relay, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = relay.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !done() {
		select {
		case <-deadline:
			t.Fatal("relay did not process events in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRelay_DispatchesAndMarksSent(t *testing.T) {
	store := newFakeStore(
		Event{ID: 1, AggregateID: "o-1", Type: "order.created", Payload: []byte(`{"order_id":"o-1"}`), Traceparent: "00-abc-def-01"},
		Event{ID: 2, AggregateID: "o-2", Type: "order.updated", Payload: []byte(`{"order_id":"o-2"}`)},
	)
	producer := &fakeProducer{}
	relay := NewRelay(slog.Default(), store, NewDispatcher(slog.Default(), producer, "order.events"), "relay-test",
		WithInterval(5*time.Millisecond))

	runRelayUntil(t, relay, func() bool {
		sent, _ := store.snapshot()
		return len(sent) == 2
	})

	msgs := producer.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "order.events", msgs[0].Topic)
	assert.Equal(t, []byte("o-1"), msgs[0].Key)

	var eventType, traceparent string
	for _, h := range msgs[0].Headers {
		switch h.Key {
		case "event_type":
			eventType = string(h.Value)
		case "traceparent":
			traceparent = string(h.Value)
		}
	}
	assert.Equal(t, "order.created", eventType)
	assert.Equal(t, "00-abc-def-01", traceparent)

	sent, failed := store.snapshot()
	assert.ElementsMatch(t, []int64{1, 2}, sent)
	assert.Empty(t, failed)
}

func TestRelay_FailedDispatchIsMarkedNotSent(t *testing.T) {
	store := newFakeStore(
		Event{ID: 1, AggregateID: "o-1", Type: "order.created", Payload: []byte(`{}`)},
		Event{ID: 2, AggregateID: "o-bad", Type: "order.created", Payload: []byte(`{}`)},
	)
	producer := &fakeProducer{failKeys: map[string]bool{"o-bad": true}}
	relay := NewRelay(slog.Default(), store, NewDispatcher(slog.Default(), producer, "order.events"), "relay-test",
		WithInterval(5*time.Millisecond))

	runRelayUntil(t, relay, func() bool {
		sent, failed := store.snapshot()
		return len(sent) == 1 && len(failed) == 1
	})

	sent, failed := store.snapshot()
	assert.Equal(t, []int64{1}, sent)
	assert.Contains(t, failed[2], "broker unavailable")
}
