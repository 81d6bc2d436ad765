// ABOUTME: Fan-out of state change notifications to multiple subscribers.
// ABOUTME: Each subscriber gets a buffered channel; Broadcast never blocks and drops when a buffer is full.
package notify

import "sync"

// DefaultBuffer is the channel capacity given to each subscriber.
const DefaultBuffer = 256

// Broadcaster provides a fan-out mechanism for values of type T.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	buffer      int
	subscribers []chan T
}

// New creates a broadcaster whose subscriber channels hold buffer items.
func New[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{buffer: buffer}
}

// Subscribe creates a new buffered channel for receiving broadcasts.
func (b *Broadcaster[T]) Subscribe() chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.buffer)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Unsubscribe removes a channel from the subscriber list and closes it.
// Unknown channels are ignored.
func (b *Broadcaster[T]) Unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Broadcast sends v to all subscribers, dropping it for any whose buffer is full.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
