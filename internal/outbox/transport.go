package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/store"
)

// Outgoing is one message handed to the platform for delivery.
type Outgoing struct {
	MessageID      int64
	ThreadID       int64
	Recipients     []string
	Body           string
	Attachments    []store.Attachment
	SubscriptionID int
	IsMMS          bool
}

// Transport hands messages to the platform. Send returns once the platform
// accepted the message; the outcome arrives later as a Result.
type Transport interface {
	Send(ctx context.Context, out Outgoing) error
	Channels() []int
	DefaultChannel() (int, bool)
}

// Scheduler fires scheduled messages at their target time.
type Scheduler interface {
	Schedule(id int64, atMillis int64) error
	Cancel(id int64)
}

// BusTransport publishes outgoing messages as outbox.send events for the
// platform bridge watching the event stream.
type BusTransport struct {
	bus      *bus.Bus
	channels []int
	def      int
}

// NewBusTransport creates a transport over the given channels. def is the
// platform default channel, or store.UnknownSubscription.
func NewBusTransport(b *bus.Bus, channels []int, def int) *BusTransport {
	return &BusTransport{bus: b, channels: slices.Clone(channels), def: def}
}

// Send implements Transport.
func (t *BusTransport) Send(ctx context.Context, out Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.Emit(bus.KindOutboxSend, out)
	return nil
}

// Channels implements Transport.
func (t *BusTransport) Channels() []int {
	return slices.Clone(t.channels)
}

// DefaultChannel implements Transport.
func (t *BusTransport) DefaultChannel() (int, bool) {
	return t.def, t.def != store.UnknownSubscription
}

// TimerScheduler keeps one in-process timer per scheduled message.
type TimerScheduler struct {
	fire func(id int64)

	mu     sync.Mutex
	timers map[int64]*time.Timer
}

// NewTimerScheduler creates a scheduler calling fire when a message is due.
// fire runs on its own goroutine.
func NewTimerScheduler(fire func(id int64)) *TimerScheduler {
	return &TimerScheduler{fire: fire, timers: make(map[int64]*time.Timer)}
}

// Schedule arms or re-arms the timer of a message. A time in the past fires
// immediately.
func (s *TimerScheduler) Schedule(id int64, atMillis int64) error {
	delay := max(time.Until(time.UnixMilli(atMillis)), 0)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.fire(id)
	})
	s.timers[id] = t
	return nil
}

// Cancel disarms a message's timer.
func (s *TimerScheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns how many timers are armed.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
