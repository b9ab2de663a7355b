// Package events fans lifecycle notifications out to observers.
//
// Delivery is synchronous and unbuffered: Emit returns after every
// subscriber has been called, and a subscriber registered after an event was
// emitted never sees it.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Name identifies a lifecycle event
type Name string

const (
	Saved      Name = "offline-saved"
	Synced     Name = "offline-synced"
	Failed     Name = "offline-failed"
	Conflict   Name = "offline-conflict"
	SaveFailed Name = "offline-save-failed"
	Online     Name = "online"
	Offline    Name = "offline"
)

// All lists every event the engine emits
var All = []Name{Saved, Synced, Failed, Conflict, SaveFailed, Online, Offline}

// Event is what subscribers receive
type Event struct {
	Name    Name      `json:"name"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Handler receives events
type Handler func(Event)

type subscription struct {
	id      uint64
	name    Name // empty for wildcard subscriptions
	handler Handler
}

// Bus is a synchronous fan-out event bus safe for concurrent use
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
	now    func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe registers h for events called name. The returned func removes
// the subscription and may be called more than once.
func (b *Bus) Subscribe(name Name, h Handler) func() {
	return b.add(name, h)
}

// SubscribeAll registers h for every event
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(name Name, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers an event to the current subscribers in registration order
func (b *Bus) Emit(name Name, payload any) {
	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == "" || s.name == name {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	ev := Event{Name: name, At: b.now(), Payload: payload}
	for _, h := range targets {
		b.deliver(h, ev)
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", "event", ev.Name, "panic", r)
		}
	}()
	h(ev)
}

// Len returns the number of live subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
