package bus

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Bus is an in-process publish/subscribe event bus with namespace
// prefix filtering. Delivery to a subscriber is non-blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber
// and the drop is logged. UI observers treat events as change hints and
// re-read the store, so a dropped hint is recoverable; for conn.frame
// consumers a drop means drift until the next reconciliation pass.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	next   int
	logger *zap.Logger
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription), logger: zap.NewNop()}
}

// WithLogger sets the logger used to report dropped events. Call before
// the first Publish.
func (b *Bus) WithLogger(logger *zap.Logger) *Bus {
	b.logger = logger
	return b
}

// Publish delivers evt to every subscriber whose namespace is a prefix
// of evt.Kind.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				b.logger.Warn("subscriber buffer full, event dropped",
					zap.String("kind", evt.Kind),
					zap.String("namespace", sub.namespace))
			}
		}
	}
}

// Emit publishes an event with the given kind and payload, stamped now.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe registers a subscriber for events whose kind starts with
// namespace. bufSize controls the channel buffer. The returned function
// removes the subscription; the channel is never closed.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
