// Package broadcast fans out published patches to subscribers. Each
// subscriber owns a bounded channel; a subscriber that falls behind loses
// events but keeps ordering, and can reseed from a full snapshot.
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/apexloop/race-timing-pipeline/api/timing"
)

// EventType tags one broadcast event.
type EventType string

const (
	EventSessionPatch EventType = "session-patch"
	EventCarPatches   EventType = "car-patches"
	EventReset        EventType = "reset"
)

// Event is one unit delivered to subscribers. Session is set for
// session-patch events, Cars for car-patches events; Reset carries neither.
type Event struct {
	Type    EventType
	Session *timing.SessionStatePatch
	Cars    []timing.CarPositionPatch
}

// Subscription is one subscriber's handle. Events arrives in publish order;
// Dropped counts events lost to a full buffer. A subscriber that observes
// drops should reseed from the pipeline's full snapshot.
type Subscription struct {
	Events  <-chan Event
	events  chan Event
	dropped atomic.Uint64
	cancel  func()
	once    sync.Once
}

// Dropped reports how many events overflowed this subscriber's buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Broker distributes events to all current subscribers.
type Broker struct {
	buffer int

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// NewBroker builds a broker whose subscribers buffer up to buffer events.
func NewBroker(buffer int) (*Broker, error) {
	if buffer < 1 {
		return nil, fmt.Errorf("subscriber buffer must be >= 1, got %d", buffer)
	}
	return &Broker{
		buffer: buffer,
		subs:   make(map[int]*Subscription),
	}, nil
}

// Subscribe registers a new subscriber. Subscribing to a closed broker
// returns a subscription whose channel is already closed.
func (b *Broker) Subscribe() *Subscription {
	events := make(chan Event, b.buffer)
	sub := &Subscription{Events: events, events: events}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(events)
		sub.cancel = func() {}
		return sub
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(events)
		}
	}
	return sub
}

// Publish splits one PatchUpdates into a session event and a car event, in
// that order. Empty parts emit nothing.
func (b *Broker) Publish(updates timing.PatchUpdates) {
	if updates.Session != nil {
		b.send(Event{Type: EventSessionPatch, Session: updates.Session})
	}
	if len(updates.Cars) > 0 {
		cars := make([]timing.CarPositionPatch, len(updates.Cars))
		copy(cars, updates.Cars)
		b.send(Event{Type: EventCarPatches, Cars: cars})
	}
}

// PublishReset emits the Reset marker followed by the full state resend:
// the new session as a patch and every car as a fully-populated patch.
func (b *Broker) PublishReset(session *timing.SessionStatePatch, cars []timing.CarPositionPatch) {
	b.send(Event{Type: EventReset})
	if session != nil {
		b.send(Event{Type: EventSessionPatch, Session: session})
	}
	if len(cars) > 0 {
		copied := make([]timing.CarPositionPatch, len(cars))
		copy(copied, cars)
		b.send(Event{Type: EventCarPatches, Cars: copied})
	}
}

func (b *Broker) send(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close detaches every subscriber and closes their channels. Publishing
// after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.events)
	}
}

// SubscriberCount reports current subscribers, for diagnostics.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
