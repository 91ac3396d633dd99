// Package bus implements the per-resource broadcast of state events to live
// subscribers. Delivery is strict FIFO per resource; a subscriber that lets
// its bounded buffer overflow is evicted instead of blocking the publisher.
package bus

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/metrics"
	"github.com/abergmeier/fabaccess-server/internal/models"
)

// ErrEvicted is reported by Subscriber.Err after a slow-consumer eviction.
var ErrEvicted = errors.New("subscriber evicted")

// DefaultBuffer is the per-subscriber event buffer unless configured
// otherwise.
const DefaultBuffer = 64

// EventType discriminates bus events.
type EventType string

const (
	// EventState announces an accepted transition (or, at subscribe time,
	// the current state).
	EventState EventType = "state"
	// EventVerified announces that every attached actuator confirmed the
	// current seq. Carries no new state.
	EventVerified EventType = "verified"
)

// Event is one entry on a resource's subscription stream.
type Event struct {
	Type     EventType           `json:"type"`
	Resource models.ResourceID   `json:"resource"`
	State    models.MachineState `json:"state"`
	Seq      uint64              `json:"seq"`
	Cause    models.Cause        `json:"cause,omitempty"`
}

// Subscriber is one attached sink. Events() yields entries until the channel
// closes; Err() then tells eviction apart from a clean end-of-stream.
type Subscriber struct {
	ID    uuid.UUID
	topic *Topic
	ch    chan Event
	err   error
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

// Err is valid once Events() is closed.
func (s *Subscriber) Err() error { return s.err }

// Close detaches the subscriber. Safe to call if already evicted.
func (s *Subscriber) Close() { s.topic.unsubscribe(s.ID) }

// Topic is the broadcast endpoint owned by one resource's state machine.
// Publish and Close are only called from the machine's worker; Subscribe and
// unsubscribe may race with them from transport goroutines.
type Topic struct {
	resource models.ResourceID
	buffer   int
	log      *zap.Logger

	mu     chan struct{} // 1-slot semaphore, avoids lock held across close
	subs   map[uuid.UUID]*Subscriber
	closed bool
}

// NewTopic creates the broadcast endpoint for resource with the given
// per-subscriber buffer (<=0 selects DefaultBuffer).
func NewTopic(resource models.ResourceID, buffer int, log *zap.Logger) *Topic {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	t := &Topic{
		resource: resource,
		buffer:   buffer,
		log:      log.Named("bus").With(zap.String("resource", resource)),
		mu:       make(chan struct{}, 1),
		subs:     make(map[uuid.UUID]*Subscriber),
	}
	t.mu <- struct{}{}
	return t
}

func (t *Topic) lock()   { <-t.mu }
func (t *Topic) unlock() { t.mu <- struct{}{} }

// Subscribe attaches a new sink with the topic's buffer size. Returns nil if
// the topic is already closed.
func (t *Topic) Subscribe() *Subscriber {
	return t.SubscribeBuffered(t.buffer)
}

// SubscribeBuffered attaches a new sink with an explicit buffer size.
func (t *Topic) SubscribeBuffered(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = t.buffer
	}
	t.lock()
	defer t.unlock()
	if t.closed {
		return nil
	}
	sub := &Subscriber{
		ID:    uuid.New(),
		topic: t,
		ch:    make(chan Event, buffer),
	}
	t.subs[sub.ID] = sub
	metrics.Subscribers.WithLabelValues(t.resource).Inc()
	return sub
}

func (t *Topic) unsubscribe(id uuid.UUID) {
	t.lock()
	defer t.unlock()
	sub, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(sub.ch)
	metrics.Subscribers.WithLabelValues(t.resource).Dec()
}

// Publish fans ev out to every subscriber without blocking. A subscriber
// whose buffer is full is evicted.
func (t *Topic) Publish(ev Event) {
	t.lock()
	defer t.unlock()
	if t.closed {
		return
	}
	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.err = ErrEvicted
			delete(t.subs, id)
			close(sub.ch)
			metrics.Subscribers.WithLabelValues(t.resource).Dec()
			metrics.SubscriberEvictions.WithLabelValues(t.resource).Inc()
			t.log.Warn("evicting slow subscriber", zap.String("subscriber", id.String()))
		}
	}
}

// Close signals end-of-stream to every remaining subscriber.
func (t *Topic) Close() {
	t.lock()
	defer t.unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		close(sub.ch)
		metrics.Subscribers.WithLabelValues(t.resource).Dec()
	}
}
