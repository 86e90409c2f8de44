// Package events carries sync notifications from the orchestrator to
// whoever is listening: CLI status output and WebSocket clients.
package events

import "sync"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broker is a typed fan-out. Every subscriber has its own buffered
// channel; when a subscriber falls behind, its oldest undelivered events
// are dropped so Publish never blocks.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	buffer  int
	closed  bool
	dropped int
}

func NewBroker[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{subs: make(map[chan T]struct{}), buffer: buffer}
}

// Subscribe returns the event channel and a function that unsubscribes
// and closes it. Subscribing to a closed broker yields a closed channel.
func (b *Broker[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

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

func (b *Broker[T]) Publish(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		// full: make room by discarding the oldest event
		select {
		case <-ch:
			b.dropped++
		default:
		}
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Broker[T]) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
