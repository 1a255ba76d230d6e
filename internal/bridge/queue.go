package bridge

import (
	"sync"
	"sync/atomic"
)

// queue is a bounded FIFO that evicts its oldest element instead of blocking
// when full. Producers go through push, which is serialized by the mutex; a
// single consumer drains the channel returned by items.
type queue[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	evicted atomic.Uint64
}

func newQueue[T any](size int) *queue[T] {
	if size < 1 {
		size = 1
	}
	return &queue[T]{ch: make(chan T, size)}
}

// push appends v. When the buffer is full the oldest element is evicted to
// make room. Returns whether v was accepted, and whether an eviction
// happened; accepted is false only after close.
func (q *queue[T]) push(v T) (accepted, dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}

	select {
	case q.ch <- v:
		return true, false
	default:
	}

	// Full. The consumer may have drained an element since the failed send,
	// in which case the eviction falls through and the send below succeeds
	// anyway.
	select {
	case <-q.ch:
		q.evicted.Add(1)
		dropped = true
	default:
	}

	// push holds the lock and is the only producer, so after the eviction
	// there is at least one free slot.
	q.ch <- v
	return true, dropped
}

// items returns the consumer side. The channel is closed by close; buffered
// elements remain readable after that.
func (q *queue[T]) items() <-chan T {
	return q.ch
}

// size reports the number of buffered elements.
func (q *queue[T]) size() int {
	return len(q.ch)
}

// evictedCount reports how many elements were dropped to make room.
func (q *queue[T]) evictedCount() uint64 {
	return q.evicted.Load()
}

// close stops intake. Idempotent.
func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
