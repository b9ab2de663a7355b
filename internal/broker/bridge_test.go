package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-offline-sync/internal/events"
)

type fakePublisher struct {
	mu      sync.Mutex
	got     []events.Name
	healthy atomic.Bool
	err     error
}

func newFakePublisher() *fakePublisher {
	p := &fakePublisher{}
	p.healthy.Store(true)
	return p
}

func (f *fakePublisher) Publish(_ context.Context, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, ev.Name)
	return nil
}

func (f *fakePublisher) IsHealthy() bool { return f.healthy.Load() }

func (f *fakePublisher) names() []events.Name {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Name(nil), f.got...)
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "offline.offline-synced", RoutingKey(events.Synced))
	assert.Equal(t, "offline.online", RoutingKey(events.Online))
}

func TestEncodeEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := encodeEvent(events.Event{Name: events.Conflict, At: at, Payload: map[string]string{"itemId": "p1"}})
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, string(events.Conflict), msg.Type)
	assert.NotEmpty(t, msg.MessageId)

	var env struct {
		Event   string            `json:"event"`
		At      time.Time         `json:"at"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Body, &env))
	assert.Equal(t, "offline-conflict", env.Event)
	assert.True(t, at.Equal(env.At))
	assert.Equal(t, "p1", env.Payload["itemId"])

	_, err = encodeEvent(events.Event{Name: events.Saved, Payload: func() {}})
	assert.Error(t, err)
}

func TestBridgeForwardsBusEvents(t *testing.T) {
	bus := events.NewBus(nil)
	pub := newFakePublisher()
	b := NewBridge(8, nil)
	b.SetPublisher(pub)
	b.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	bus.Emit(events.Saved, nil)
	bus.Emit(events.Synced, nil)

	assert.Eventually(t, func() bool { return len(pub.names()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Name{events.Saved, events.Synced}, pub.names())
}

func TestBridgeDropsWhenBufferFull(t *testing.T) {
	b := NewBridge(1, nil)

	done := make(chan struct{})
	go func() {
		b.Offer(events.Event{Name: events.Saved})
		b.Offer(events.Event{Name: events.Synced})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a full buffer")
	}
	assert.Len(t, b.buf, 1)
}

func TestBridgeSkipsUnhealthyPublisher(t *testing.T) {
	pub := newFakePublisher()
	pub.healthy.Store(false)
	b := NewBridge(4, nil)
	b.SetPublisher(pub)

	b.publish(context.Background(), events.Event{Name: events.Failed})
	assert.Empty(t, pub.names())

	// Publish errors are logged, not retried
	pub.healthy.Store(true)
	pub.err = errors.New("nack")
	b.publish(context.Background(), events.Event{Name: events.Failed})
	assert.Empty(t, pub.names())

	b.SetPublisher(nil)
	b.publish(context.Background(), events.Event{Name: events.Failed})
}
