package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const (
	Exchange       = "offline.events"
	confirmTimeout = 10 * time.Second
)

var (
	ErrLinkDown = errors.New("event link is down")
	ErrNack     = errors.New("broker refused the event")
)

// RoutingKey is the topic an event is published under
func RoutingKey(name events.Name) string {
	return "offline." + string(name)
}

// envelope is the wire form of a bus event
type envelope struct {
	Event   events.Name `json:"event"`
	At      time.Time   `json:"at"`
	Payload any         `json:"payload,omitempty"`
}

// encodeEvent builds the persistent AMQP message for ev
func encodeEvent(ev events.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(envelope{Event: ev.Name, At: ev.At, Payload: ev.Payload})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode %s event: %w", ev.Name, err)
	}
	return amqp.Publishing{
		MessageId:    uuid.NewString(),
		Type:         string(ev.Name),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	}, nil
}

// RabbitMQClient publishes bus events to a durable topic exchange with
// publisher confirms. A closed connection or channel marks it unhealthy for
// good; the owner replaces it with a fresh client.
type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger

	healthy atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	if l == nil {
		l = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := openConfirmChannel(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &RabbitMQClient{
		conn:    conn,
		channel: ch,
		logger:  l.With("component", "event_link", "exchange", Exchange),
		stop:    make(chan struct{}),
	}
	r.healthy.Store(true)
	metrics.BridgeHealthy.Set(1)

	go r.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyClose(make(chan *amqp.Error, 1)))

	r.logger.Info("Event link connected")
	return r, nil
}

// openConfirmChannel declares the exchange and switches the channel to confirm mode
func openConfirmChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	// durable, not auto-deleted, not internal, wait for the server
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQClient) watch(connClosed, chanClosed <-chan *amqp.Error) {
	var (
		what  string
		cause *amqp.Error
	)
	select {
	case cause = <-connClosed:
		what = "connection"
	case cause = <-chanClosed:
		what = "channel"
	case <-r.stop:
		return
	}
	r.markDown()
	r.logger.Warn("Event link lost", "closed", what, "error", cause)
}

func (r *RabbitMQClient) markDown() {
	r.healthy.Store(false)
	metrics.BridgeHealthy.Set(0)
}

// Publish sends ev and waits for the broker's ack, the confirm timeout or ctx
func (r *RabbitMQClient) Publish(ctx context.Context, ev events.Event) error {
	if !r.IsHealthy() {
		return ErrLinkDown
	}

	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	key := RoutingKey(ev.Name)
	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(ctx, Exchange, key, false, false, msg)
	if err != nil {
		r.logger.Error("Event publish failed", "routing_key", key, "error", err)
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return fmt.Errorf("%w: %s", ErrNack, key)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no publisher confirm for %s after %s", key, confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel and connection. Safe to call more than once.
func (r *RabbitMQClient) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		r.markDown()
		err = errors.Join(r.channel.Close(), r.conn.Close())
		r.logger.Info("Event link closed")
	})
	return err
}

func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}
