// Package events provides the typed publish/subscribe bus that decouples the
// control plane from the presentation layer. The supervisor and runner publish
// events; the gateway streams them to whatever frontend is attached.
package events

import (
	"sync"
	"time"
)

// Type identifies the category of a published event.
type Type string

const (
	// TypeLog is a single log line from an in-flight run.
	TypeLog Type = "log"
	// TypeStep is a step appended to the current run.
	TypeStep Type = "step"
	// TypeState is a combined runner+autopilot state snapshot.
	TypeState Type = "state"
	// TypeAnswer is the final answer text of a completed run.
	TypeAnswer Type = "answer"
	// TypeReport is a run report produced on a terminal transition.
	TypeReport Type = "report"
	// TypeNotify is a short user-facing notification.
	TypeNotify Type = "notify"
)

// Event is a single bus message.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// subscriberBuffer is the per-subscriber channel capacity. Publish never
// blocks; events beyond this buffer are dropped for that subscriber.
const subscriberBuffer = 64

// Bus is a fan-out publish/subscribe hub. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers an event to all subscribers without blocking. A subscriber
// whose buffer is full misses the event; state snapshots are re-emitted on
// every transition so a dropped snapshot is superseded by the next one.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(t Type, payload any) {
	b.Publish(Event{Type: t, Timestamp: time.Now(), Payload: payload})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
