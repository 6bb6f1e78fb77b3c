// Package ring implements a bounded FIFO used as the free-list for
// transfer buffer slots. It never allocates after construction and never
// blocks; exhaustion is reported through the second return value.
package ring

// FIFO is a fixed-capacity first-in-first-out queue. The zero value is not
// usable; construct with New.
type FIFO[T any] struct {
	items    []T
	capacity uint32
	usage    uint32
	head     uint32
	tail     uint32
}

func New[T any](capacity uint32) *FIFO[T] {
	return &FIFO[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Put appends v to the queue. It returns false when the queue is full, in
// which case v is discarded.
func (f *FIFO[T]) Put(v T) bool {
	if f.usage == f.capacity {
		return false
	}

	f.items[f.head] = v

	f.head++
	if f.head == f.capacity {
		f.head = 0
	}

	f.usage++

	return true
}

// Get removes and returns the oldest value. It returns false when the queue
// is empty.
func (f *FIFO[T]) Get() (T, bool) {
	var v T

	if f.usage == 0 {
		return v, false
	}

	v = f.items[f.tail]

	f.tail++
	if f.tail == f.capacity {
		f.tail = 0
	}

	f.usage--

	return v, true
}

// Len returns the number of values currently queued.
func (f *FIFO[T]) Len() int {
	return int(f.usage)
}

// Cap returns the fixed capacity set at construction.
func (f *FIFO[T]) Cap() int {
	return int(f.capacity)
}
