// Package ringbuf provides a fixed-capacity circular queue that overwrites
// its oldest element when full.
package ringbuf

import (
	"errors"
	"sync"
)

// ErrEmpty is returned when reading from an empty buffer.
var ErrEmpty = errors.New("ring buffer empty")

// RingBuffer is a bounded FIFO. Push never fails; once the buffer holds
// Cap() items each Push evicts the oldest one.
type RingBuffer[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // read cursor, oldest item
	tail  int // write cursor, next free slot
	count int
}

// New allocates a buffer with the given capacity. Capacities below one are
// raised to one.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends v, dropping the oldest item if the buffer is full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.tail] = v
	r.tail = (r.tail + 1) % len(r.items)
	if r.count == len(r.items) {
		r.head = (r.head + 1) % len(r.items)
		return
	}
	r.count++
}

// Pop removes and returns the oldest item. On an empty buffer it returns
// ErrEmpty and leaves the cursors untouched.
func (r *RingBuffer[T]) Pop() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, ErrEmpty
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	return v, nil
}

// Peek returns the oldest item without removing it.
func (r *RingBuffer[T]) Peek() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, ErrEmpty
	}
	return r.items[r.head], nil
}

// Latest returns the most recently pushed item without removing it.
func (r *RingBuffer[T]) Latest() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, ErrEmpty
	}
	idx := (r.tail - 1 + len(r.items)) % len(r.items)
	return r.items[idx], nil
}

// Snapshot returns a copy of the contents, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of buffered items.
func (r *RingBuffer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the fixed capacity.
func (r *RingBuffer[T]) Cap() int {
	return len(r.items)
}

// Full reports whether the next Push will evict an item.
func (r *RingBuffer[T]) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.items)
}

// Reset empties the buffer.
func (r *RingBuffer[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.count = 0, 0, 0
}

// cursors exposes internal positions to tests.
func (r *RingBuffer[T]) cursors() (head, tail, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, r.tail, r.count
}
