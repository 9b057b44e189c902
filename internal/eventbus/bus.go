// Package eventbus is an in-process fan-out of scheduling and delivery
// events. Publish never blocks; slow subscribers lose events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by settlebot components.
const (
	TypeScheduleFired    = "schedule.fired"
	TypeScheduleMissed   = "schedule.missed"
	TypeScheduleReplaced = "schedule.replaced"
	TypeDeliverySent     = "delivery.sent"
	TypeDeliveryFailed   = "delivery.failed"
	TypeDeliveryDropped  = "delivery.dropped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel. Calling unsubscribe removes and
// closes it; it is safe to call more than once.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish calls,
			// so the close below cannot race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish is a nil-safe helper for components whose bus is optional.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
