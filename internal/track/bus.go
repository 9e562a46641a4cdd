package track

import "sync"

// Bus is a latest-value broadcast: publishers overwrite the current value,
// subscribers receive every publish after the point of subscription plus the
// latest value at subscribe time (if any). It replaces ambient singleton
// buses with an instance the owner constructs and injects.
type Bus[T any] struct {
	mu      sync.Mutex
	last    T
	hasLast bool
	subs    map[int]chan T
	nextID  int
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]chan T)}
}

// Publish stores v as the latest value and delivers it to all subscribers.
// Slow subscribers drop intermediate values rather than blocking the
// publisher.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = v
	b.hasLast = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// replace the stale buffered value
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Latest returns the most recently published value and whether one exists.
func (b *Bus[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscription is a handle to an active bus subscription. Close it when the
// consumer goes away or the bus will retain the channel forever.
type Subscription[T any] struct {
	bus *Bus[T]
	id  int
	ch  chan T
}

// Subscribe registers a new subscriber. The returned subscription's channel
// has a one-element buffer primed with the latest value when one exists.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, 1)
	if b.hasLast {
		ch <- b.last
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return &Subscription[T]{bus: b, id: id, ch: ch}
}

// C returns the delivery channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Close removes the subscription from its bus.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
}
