// Package buffer provides a bounded history ring for dashboard widgets.
package buffer

import "sync"

// History is a thread-safe circular buffer holding the most recent entries up
// to a fixed capacity. When full, the oldest entry is discarded to make room.
//
// Channel filters use it to keep a small per-widget history (for example the
// last 100 alerts) without unbounded growth.
type History[T any] struct {
	mu       sync.RWMutex
	entries  []T
	head     int
	size     int
	capacity int
}

// NewHistory creates a History with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &History[T]{
		entries:  make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends an entry, discarding the oldest when the ring is full.
func (h *History[T]) Push(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[(h.head+h.size)%h.capacity] = v
	if h.size < h.capacity {
		h.size++
	} else {
		h.head = (h.head + 1) % h.capacity
	}
}

// Latest returns the most recently pushed entry, or false when empty.
func (h *History[T]) Latest() (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		var zero T
		return zero, false
	}
	return h.entries[(h.head+h.size-1)%h.capacity], true
}

// Snapshot returns a copy of the buffered entries, oldest first.
// The returned slice is safe to use without holding the lock.
func (h *History[T]) Snapshot() []T {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.size == 0 {
		return nil
	}
	out := make([]T, h.size)
	for i := range h.size {
		out[i] = h.entries[(h.head+i)%h.capacity]
	}
	return out
}

// Clear removes all entries.
func (h *History[T]) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.head = 0
	h.size = 0
}

// Len returns the current number of entries.
func (h *History[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the capacity of the ring.
func (h *History[T]) Cap() int {
	return h.capacity
}
