// Package queue provides the ordered queues used for cross-goroutine handoff
// between the bus driver, the controller bring-up loop, and the network
// transport.
package queue

// Queue is a generic FIFO queue.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(T)
	// Dequeue removes and returns the item at the head of the queue.
	// The second return value is false if the queue is empty.
	Dequeue() (T, bool)
	// Peek returns the item at the head of the queue without removing it.
	// The second return value is false if the queue is empty.
	Peek() (T, bool)
	// Reset empties the queue.
	Reset()
	// IsEmpty returns true if the queue is empty.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
