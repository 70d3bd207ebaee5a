package eventbus

import (
	"sync"
	"time"

	"launchwatch/internal/models"
)

// Event is a monitor emission routed through the bus: a whale trade, a tax
// or buyback update, or a lifecycle notification.
type Event struct {
	Kind      models.EventKind
	Timestamp time.Time
	Data      interface{}
}

// Bus is an in-process event bus that routes monitor emissions to
// subscribers by event kind. It uses Go channels for delivery and is safe
// for concurrent use. Delivery order is preserved per subscriber channel.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[models.EventKind][]chan<- Event
	closed      bool
}

// New creates a Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[models.EventKind][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events of the given kind. The
// caller creates the channel with sufficient buffer; slow subscribers have
// events dropped rather than stalling the publisher.
func (b *Bus) Subscribe(kind models.EventKind, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
}

// Publish sends an event to all subscribers registered for its kind.
// If a subscriber's channel is full the event is dropped for that
// subscriber. Publish is a no-op after Close.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Kind] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. Subscriber channels are not closed here;
// that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
