package queue

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO shared by the workers of one pipeline stage.
// Put blocks while the queue is full and Take blocks while it is empty;
// Close wakes every blocked consumer.
type Queue[T any] struct {
	ch     chan T
	closed chan struct{}
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		ch:     make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

func (q *Queue[T]) Put(v T) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.closed:
		return ErrClosed
	}
}

// Offer enqueues v only if there is room.
func (q *Queue[T]) Offer(v T) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Take returns the next item, or ErrClosed once the queue is closed.
// Items still buffered at close time are dropped.
func (q *Queue[T]) Take() (T, error) {
	var zero T
	select {
	case <-q.closed:
		return zero, ErrClosed
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.closed:
		return zero, ErrClosed
	}
}

// Poll is Take with a timeout; ok is false when nothing arrived.
func (q *Queue[T]) Poll(timeout time.Duration) (v T, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v = <-q.ch:
		return v, true, nil
	case <-q.closed:
		return v, false, ErrClosed
	case <-timer.C:
		return v, false, nil
	}
}

func (q *Queue[T]) Size() int {
	return len(q.ch)
}

func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

func (q *Queue[T]) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

func (q *Queue[T]) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
