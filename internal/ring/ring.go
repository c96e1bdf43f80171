// Package ring implements the fixed-capacity cyclic buffer used by the
// dispatch engine's diagnostic surface: a bounded, chronologically ordered
// log that always holds the newest N entries, where N is reconfigurable at
// runtime without losing the entries a shrink or grow should keep.
package ring

import "iter"

// Buffer is a fixed-capacity ring that retains the newest Capacity entries
// added to it, oldest first. It is not safe for concurrent use; callers in
// the dispatch engine own a Buffer per bus or per token and only ever touch
// it from the single logical thread the engine requires (see the dispatch
// package's concurrency notes).
type Buffer[T any] struct {
	entries  []T
	capacity int
}

// New constructs a Buffer with the given capacity. A non-positive capacity
// is treated as zero: the buffer accepts Add calls but never retains
// anything, which is useful as the "diagnostics off" backing store.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Add appends v as the newest entry, evicting the oldest entry if the
// buffer is already at capacity.
func (b *Buffer[T]) Add(v T) {
	if b.capacity == 0 {
		return
	}
	if len(b.entries) == b.capacity {
		// Drop the oldest entry. This is an O(n) shift; diagnostic
		// rings are small (default capacity 100) and this keeps the
		// implementation's chronological-slice semantics obvious.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, v)
}

// Len returns the number of entries currently retained.
func (b *Buffer[T]) Len() int {
	return len(b.entries)
}

// Capacity returns the buffer's current maximum retained entry count.
func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// Items returns the retained entries in chronological order (oldest
// first). The returned slice is a copy; mutating it does not affect the
// buffer.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.entries))
	copy(out, b.entries)
	return out
}

// All iterates the retained entries oldest first, mirroring the
// iterator-based Receive pattern used elsewhere in this codebase for
// bounded sequences.
func (b *Buffer[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range b.entries {
			if !yield(v) {
				return
			}
		}
	}
}

// Resize changes the buffer's capacity. If the new capacity is smaller than
// the current entry count, the oldest entries are discarded so that only
// the newest newCapacity entries survive. Growing never discards anything.
func (b *Buffer[T]) Resize(newCapacity int) {
	if newCapacity < 0 {
		newCapacity = 0
	}
	if len(b.entries) > newCapacity {
		drop := len(b.entries) - newCapacity
		b.entries = append([]T(nil), b.entries[drop:]...)
	}
	grown := make([]T, len(b.entries), newCapacity)
	copy(grown, b.entries)
	b.entries = grown
	b.capacity = newCapacity
}

// RemoveFunc removes the first entry for which match returns true,
// preserving the relative order of all other entries. It reports whether an
// entry was removed. This backs mid-buffer removal (§2 "Cyclic Buffer...
// supports... middle-element removal") such as a host explicitly discarding
// one diagnostic record.
func (b *Buffer[T]) RemoveFunc(match func(T) bool) bool {
	for i, v := range b.entries {
		if match(v) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}
