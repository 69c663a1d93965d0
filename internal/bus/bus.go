package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus carries message and sync events from the engine to API watchers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
}

// Subscription receives the events matching one of its namespaces on C.
type Subscription struct {
	C <-chan Event

	ch         chan Event
	namespaces []string
	dropped    atomic.Uint64
	bus        *Bus
	once       sync.Once
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish fans evt out to every subscription with a namespace that prefixes
// evt.Kind. A subscription whose buffer is full loses the event and counts
// it. Publishing on a nil Bus is a no-op.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscription buffered to bufSize. With no
// namespaces, or an empty one, every event matches. C is never closed.
func (b *Bus) Subscribe(bufSize int, namespaces ...string) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, namespaces: namespaces, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Dropped is the number of events lost to full subscriber buffers since the
// bus was created.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *Subscription) matches(kind string) bool {
	if len(s.namespaces) == 0 {
		return true
	}
	for _, ns := range s.namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

// Dropped is the number of events this subscription missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. It may be called more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
}
