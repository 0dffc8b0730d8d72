// Package pqueue implements a generic min-heap parameterized by a
// comparator, used by the merge iterator to find the smallest current key
// across many sorted sources without a linear scan per step.
package pqueue

import "container/heap"

// Heap is a min-heap over T, ordered by less.
type Heap[T any] struct {
	items []T
	less  func(a, b T) bool
}

// New creates an empty heap ordered by less(a, b) == "a sorts before b".
func New[T any](less func(a, b T) bool) *Heap[T] {
	return &Heap[T]{less: less}
}

// heapAdapter satisfies container/heap.Interface over the generic slice, so
// Heap itself can stay type-safe.
type heapAdapter[T any] struct {
	h *Heap[T]
}

func (a heapAdapter[T]) Len() int           { return len(a.h.items) }
func (a heapAdapter[T]) Less(i, j int) bool { return a.h.less(a.h.items[i], a.h.items[j]) }
func (a heapAdapter[T]) Swap(i, j int) {
	a.h.items[i], a.h.items[j] = a.h.items[j], a.h.items[i]
}
func (a heapAdapter[T]) Push(x any) { a.h.items = append(a.h.items, x.(T)) }
func (a heapAdapter[T]) Pop() any {
	old := a.h.items
	n := len(old)
	x := old[n-1]
	var zero T
	old[n-1] = zero
	a.h.items = old[:n-1]
	return x
}

// Push inserts an item in O(log n).
func (h *Heap[T]) Push(item T) {
	heap.Push(heapAdapter[T]{h}, item)
}

// PopMin removes and returns the smallest item in O(log n).
func (h *Heap[T]) PopMin() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(heapAdapter[T]{h}).(T), true
}

// PeekMin returns the smallest item without removing it.
func (h *Heap[T]) PeekMin() (T, bool) {
	if len(h.items) == 0 {
		var zero T
		return zero, false
	}
	return h.items[0], true
}

// Len returns the number of items in the heap.
func (h *Heap[T]) Len() int { return len(h.items) }

// IsEmpty reports whether the heap has no items.
func (h *Heap[T]) IsEmpty() bool { return len(h.items) == 0 }

// FixMin re-establishes the heap invariant after the caller mutates the item
// at the top of the heap in place (e.g. advancing a source's cursor).
func (h *Heap[T]) FixMin() {
	if len(h.items) > 0 {
		heap.Fix(heapAdapter[T]{h}, 0)
	}
}
