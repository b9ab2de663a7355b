// Package broker forwards engine events to RabbitMQ for other services.
package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const DefaultBufferSize = 256

// Publisher delivers one event to the broker
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
	IsHealthy() bool
}

// Bridge decouples the synchronous bus from broker latency. Events are
// buffered and published by Run; when the buffer is full or no healthy
// publisher is set the event is dropped. The local queue stays the source
// of truth, events are notifications only.
type Bridge struct {
	buf    chan events.Event
	logger *slog.Logger

	mu  sync.RWMutex
	pub Publisher
}

func NewBridge(size int, logger *slog.Logger) *Bridge {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{buf: make(chan events.Event, size), logger: logger}
}

// Attach subscribes the bridge to every event on bus
func (b *Bridge) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(b.Offer)
}

// SetPublisher swaps the publisher, e.g. after a reconnect
func (b *Bridge) SetPublisher(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pub = p
}

func (b *Bridge) publisher() Publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pub
}

// Offer never blocks the caller
func (b *Bridge) Offer(ev events.Event) {
	select {
	case b.buf <- ev:
	default:
		metrics.BridgeDropped.Inc()
		b.logger.Warn("Event bridge buffer full, dropping event", "event", ev.Name)
	}
}

// Run publishes buffered events until ctx is done
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.buf:
			b.publish(ctx, ev)
		}
	}
}

func (b *Bridge) publish(ctx context.Context, ev events.Event) {
	pub := b.publisher()
	if pub == nil || !pub.IsHealthy() {
		metrics.BridgeDropped.Inc()
		b.logger.Debug("No healthy broker link, dropping event", "event", ev.Name)
		return
	}
	if err := pub.Publish(ctx, ev); err != nil {
		metrics.BridgeDropped.Inc()
		b.logger.Error("Failed to publish event", "event", ev.Name, "routing_key", RoutingKey(ev.Name), "error", err)
	}
}
