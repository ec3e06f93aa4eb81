// Package bus fans device status and activity events out from the vendor
// connectors to realtime subscribers.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a single device notification. Service is the originating
// connector ("roborock", "ring"); Type is the vendor-neutral event name
// ("status", "motion", "ding", ...). Payload is already JSON-shaped.
type Event struct {
	UserID   string
	Service  string
	Type     string
	DeviceID string
	Payload  map[string]any
	At       time.Time
}

// Handler receives events. Handlers must not block; slow consumers should
// hand off to their own queue (the relay uses a buffered send channel).
type Handler func(Event)

// Subscription is the cancel handle returned by Subscribe. Cancel is
// idempotent and safe to call concurrently with Publish.
type Subscription struct {
	id  string
	bus *Bus

	once sync.Once
}

// Cancel removes the subscription. An event already being dispatched may
// still be delivered once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

type subscriber struct {
	userID string
	fn     Handler
}

// Bus is the in-process event fan-out. One instance per process.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[string]subscriber)}
}

// Subscribe registers fn for events belonging to userID.
func (b *Bus) Subscribe(userID string, fn Handler) *Subscription {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = subscriber{userID: userID, fn: fn}
	b.mu.Unlock()
	return &Subscription{id: id, bus: b}
}

// Publish delivers ev to every subscriber registered for ev.UserID.
// A panicking handler is logged and skipped; it never takes down the
// publisher or other subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, 4)
	for _, sub := range b.subs {
		if sub.userID == ev.UserID {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.dispatch(fn, ev)
	}
}

func (b *Bus) dispatch(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: subscriber panicked", "service", ev.Service, "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
