package queue

// sliceQueue implements Queue using a slice.
type sliceQueue[T any] struct {
	items []T
}

// NewSliceQueue creates a slice-backed Queue with the given preallocation.
func NewSliceQueue[T any](prealloc int) Queue[T] {
	return &sliceQueue[T]{items: make([]T, 0, prealloc)}
}

// Enqueue adds an item to the tail of the queue.
func (q *sliceQueue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue removes and returns the item at the head of the queue.
func (q *sliceQueue[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero // release the reference for GC
	q.items = q.items[1:]

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *sliceQueue[T]) Peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Reset resets the queue to an empty state.
func (q *sliceQueue[T]) Reset() {
	q.items = q.items[:0] // reslice to reuse the underlying array
}

// IsEmpty returns true if the queue is empty.
func (q *sliceQueue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

// Length returns the number of items in the queue.
func (q *sliceQueue[T]) Length() int {
	return len(q.items)
}
