// Package queue provides a bounded FIFO with non-blocking enqueue.
//
// The queue is a buffered channel. Producers call TryPush, which never
// blocks: a full queue rejects the value. The single consumer selects on
// C() to wake when data arrives and then calls Drain to take whatever else
// is already queued without blocking.
package queue

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 10000

// Queue is a fixed-capacity FIFO. It is safe for any number of producers
// and one consumer.
type Queue[T any] struct {
	ch chan T
}

// New creates a queue holding at most capacity values.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v if there is room. It reports false when the queue is
// full; the value is not retained.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// C returns the receive side of the queue for use in select statements.
// A value received from C is removed from the queue.
func (q *Queue[T]) C() <-chan T {
	return q.ch
}

// Drain removes up to max queued values (all of them if max <= 0) without
// blocking and appends them to dst in FIFO order.
func (q *Queue[T]) Drain(dst []T, max int) []T {
	for n := 0; max <= 0 || n < max; n++ {
		select {
		case v := <-q.ch:
			dst = append(dst, v)
		default:
			return dst
		}
	}
	return dst
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
