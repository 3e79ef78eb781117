package utils

import "sync"

// History is a thread-safe bounded log of recent items. When full, the
// oldest item is dropped.
type History[T any] struct {
	mu       sync.Mutex
	data     []T
	capacity int
}

// NewHistory creates a History holding at most capacity items.
func NewHistory[T any](capacity int) *History[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &History[T]{
		data:     make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push records an item, evicting the oldest when at capacity.
func (h *History[T]) Push(item T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Non-positive capacity means the history is effectively disabled.
	if h.capacity <= 0 {
		return
	}
	if len(h.data) >= h.capacity {
		copy(h.data, h.data[1:])
		h.data = h.data[:len(h.data)-1]
	}
	h.data = append(h.data, item)
}

// Latest returns the newest item.
func (h *History[T]) Latest() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.data) == 0 {
		var zero T
		return zero, false
	}
	return h.data[len(h.data)-1], true
}

// Recent returns up to limit items, newest first. A non-positive limit
// returns everything.
func (h *History[T]) Recent(limit int) []T {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.data)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]T, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, h.data[i])
	}
	return out
}

// Len returns the current number of items.
func (h *History[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}
