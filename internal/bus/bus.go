package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	next    int
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt = NewEvent(evt.Kind, evt.Payload)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes a new event of the given kind.
func (b *Bus) Emit(kind string, payload any) {
	if b == nil {
		return
	}
	b.Publish(NewEvent(kind, payload))
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
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

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
