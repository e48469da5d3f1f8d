package eventloop

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans the latest value of T out to subscribers. Each subscriber
// has a one-slot buffer: a slow reader skips intermediate values and always
// sees the most recent one.
type Broadcaster[T any] struct {
	latest atomic.Pointer[T]

	mu   sync.Mutex
	subs map[uint64]chan T
	next uint64
}

// NewBroadcaster returns a broadcaster holding initial.
func NewBroadcaster[T any](initial T) *Broadcaster[T] {
	b := &Broadcaster[T]{subs: make(map[uint64]chan T)}
	b.latest.Store(&initial)
	return b
}

// Latest returns the last published value without locking.
func (b *Broadcaster[T]) Latest() T {
	return *b.latest.Load()
}

// Publish stores v and offers it to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(v T) {
	b.latest.Store(&v)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel primed with the latest value. The returned
// func unsubscribes and closes the channel; it may be called more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	ch <- b.Latest()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Subscribers reports the number of active subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// offer replaces any unread value in ch with v.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
