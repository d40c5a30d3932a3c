// Package eventbus is a small in-process fan-out for typed events.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity used by New.
const DefaultBuffer = 16

// Bus delivers events of type T to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[chan T]struct{}
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

// New creates a Bus with DefaultBuffer capacity per subscriber.
func New[T any]() *Bus[T] {
	return NewBuffered[T](DefaultBuffer)
}

// NewBuffered creates a Bus with the given per-subscriber capacity.
func NewBuffered[T any](buffer int) *Bus[T] {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus[T]{subs: make(map[chan T]struct{}), buffer: buffer}
}

// Publish sends e to all subscribers.
func (b *Bus[T]) Publish(e T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func removes it and
// closes the channel; it is safe to call more than once.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
