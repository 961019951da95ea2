// Package bus implements an in-process typed publish/subscribe bus.
package bus

import (
	"log"
	"sync"

	"github.com/visorhq/visor/internal/observability"
)

// EventType identifies the kind of envelope flowing through the bus.
type EventType string

const (
	CheckScheduled      EventType = "CheckScheduled"
	CheckStarted        EventType = "CheckStarted"
	CheckCompleted      EventType = "CheckCompleted"
	CheckErrored        EventType = "CheckErrored"
	StateTransition     EventType = "StateTransition"
	HumanInputRequested EventType = "HumanInputRequested"
	SnapshotSaved       EventType = "SnapshotSaved"
)

// Envelope is the unit of delivery on the bus.
type Envelope struct {
	Type    EventType
	Payload any
	Meta    map[string]any
	Seq     uint64
}

// Handler receives delivered envelopes. A handler must not block the bus
// indefinitely; emit is synchronous with respect to the caller.
type Handler func(Envelope)

// Subscription is returned by On and allows the caller to unsubscribe.
type Subscription interface {
	Unsubscribe()
}

type subscriber struct {
	id      uint64
	handler Handler
}

type subscription struct {
	bus   *Bus
	typ   EventType
	id    uint64
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.typ, s.id)
	})
}

// Bus is an in-process, typed, synchronous pub/sub bus. No persistence,
// no replay: subscribers only observe envelopes emitted after they
// subscribe.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriber
	nextID      uint64
	seq         uint64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[EventType][]subscriber)}
}

// On registers handler for typ and returns a Subscription. Handlers are
// invoked in registration order on every subsequent Emit of typ.
func (b *Bus) On(typ EventType, handler Handler) Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[typ] = append(b.subscribers[typ], subscriber{id: id, handler: handler})
	b.mu.Unlock()
	return &subscription{bus: b, typ: typ, id: id}
}

func (b *Bus) remove(typ EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[typ]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[typ] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit delivers payload to every current subscriber of typ, in
// registration order. A panicking handler is recovered and logged so it
// cannot prevent later handlers from running.
func (b *Bus) Emit(typ EventType, payload any) {
	b.mu.Lock()
	b.seq++
	env := Envelope{Type: typ, Payload: payload, Seq: b.seq}
	subs := make([]subscriber, len(b.subscribers[typ]))
	copy(subs, b.subscribers[typ])
	b.mu.Unlock()

	for _, s := range subs {
		b.dispatch(s, env)
	}
}

func (b *Bus) dispatch(s subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Bus: handler for %s panicked: %v", env.Type, r)
			observability.EventBusHandlerPanics.WithLabelValues(string(env.Type)).Inc()
		}
	}()
	s.handler(env)
}
