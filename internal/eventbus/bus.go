package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the event type on the bus.
type Kind string

const (
	ScheduleEnqueued  Kind = "schedule.enqueued"
	ScheduleCancelled Kind = "schedule.cancelled"
	PublishStarted    Kind = "publish.started"
	PublishCompleted  Kind = "publish.completed"
	PublishPartial    Kind = "publish.partial"
	PublishRetry      Kind = "publish.retry"
	PublishDeadLetter Kind = "publish.dead_letter"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) send(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Non-blocking delivery; a full buffer drops the event.
	select {
	case s.ch <- e:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold the map lock while sending.
	b.mu.RLock()
	snap := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		snap = append(snap, s)
	}
	b.mu.RUnlock()

	for _, s := range snap {
		s.send(e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
	return sub.ch, unsub
}
