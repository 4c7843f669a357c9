// Package history provides a capacity-bounded append buffer that keeps only
// the most recently appended items.
package history

import (
	sierrors "github.com/devrev/silohost/internal/errors"
)

// BoundedHistory is an insertion-ordered buffer that never holds more than the
// capacity passed to the latest Append. When an append overflows, the oldest
// items are evicted first.
//
// A BoundedHistory is owned by a single entity activation and is not safe for
// concurrent use; the runtime delivers one call at a time to an activation.
type BoundedHistory[T any] struct {
	items []T
}

// New returns an empty history.
func New[T any]() *BoundedHistory[T] {
	return &BoundedHistory[T]{}
}

// Append adds item to the tail and evicts from the head until the buffer
// holds at most capacity items.
func (h *BoundedHistory[T]) Append(item T, capacity int) error {
	if h == nil {
		return sierrors.NullReference("history")
	}
	if capacity < 1 {
		return sierrors.InvalidCapacity(capacity)
	}

	h.items = append(h.items, item)
	if overflow := len(h.items) - capacity; overflow > 0 {
		// zero the evicted slots so the backing array does not pin them
		var zero T
		for i := 0; i < overflow; i++ {
			h.items[i] = zero
		}
		h.items = h.items[overflow:]
	}
	return nil
}

// Count returns the number of retained items.
func (h *BoundedHistory[T]) Count() int {
	if h == nil {
		return 0
	}
	return len(h.items)
}

// RemoveOldest removes and returns the head of the buffer.
func (h *BoundedHistory[T]) RemoveOldest() (T, error) {
	var zero T
	if h == nil {
		return zero, sierrors.NullReference("history")
	}
	if len(h.items) == 0 {
		return zero, sierrors.InvalidState("remove oldest item", "empty")
	}
	item := h.items[0]
	h.items[0] = zero
	h.items = h.items[1:]
	return item, nil
}

// Items returns a copy of the retained items, oldest first.
func (h *BoundedHistory[T]) Items() []T {
	if h == nil {
		return nil
	}
	out := make([]T, len(h.items))
	copy(out, h.items)
	return out
}

// Restore replaces the contents with items as if each had been appended in
// order with the given capacity. Callers use it to rehydrate persisted state.
func (h *BoundedHistory[T]) Restore(items []T, capacity int) error {
	if h == nil {
		return sierrors.NullReference("history")
	}
	if capacity < 1 {
		return sierrors.InvalidCapacity(capacity)
	}
	h.items = nil
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	h.items = append(h.items, items...)
	return nil
}
