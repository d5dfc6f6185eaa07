// Package history provides a fixed-capacity, newest-first event history.
package history

import "sync"

// Buffer is a circular buffer that keeps the most recent entries.
// Pushing to a full buffer evicts the oldest entry. Safe for concurrent use.
type Buffer[T any] struct {
	entries  []T
	head     int // index of the newest entry
	size     int
	capacity int
	mu       sync.RWMutex
}

// New creates a buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		entries:  make([]T, capacity),
		head:     -1,
		capacity: capacity,
	}
}

// Push adds entry as the newest element in O(1).
func (b *Buffer[T]) Push(entry T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = (b.head + 1) % b.capacity
	b.entries[b.head] = entry
	if b.size < b.capacity {
		b.size++
	}
}

// Snapshot returns a copy of the contents, newest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]T, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.entries[(b.head-i+b.capacity)%b.capacity]
	}
	return out
}

// Len returns the number of stored entries.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Clear drops all entries.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.entries {
		b.entries[i] = zero
	}
	b.head = -1
	b.size = 0
}
