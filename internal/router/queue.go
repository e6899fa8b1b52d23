package router

import "sync"

// Queue is an unbounded FIFO that grows as needed. Push never blocks the
// producer, so the transport read loop is never held up by a slow consumer.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	head   int
	closed bool

	pushed int64
	popped int64
	peak   int
}

// NewQueue creates a queue with room for sizeHint items before it grows.
func NewQueue[T any](sizeHint int) *Queue[T] {
	if sizeHint < 1 {
		sizeHint = 1
	}
	q := &Queue[T]{items: make([]T, 0, sizeHint)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. Returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	// Reclaim the consumed prefix before append would reallocate.
	if len(q.items) == cap(q.items) && q.head > 0 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	q.items = append(q.items, item)
	q.pushed++
	if l := len(q.items) - q.head; l > q.peak {
		q.peak = l
	}

	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.items) && !q.closed {
		q.cond.Wait()
	}
	return q.takeLocked()
}

// TryPop returns the next item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked()
}

// Drain removes up to max items (all if max <= 0).
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items) - q.head
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	copy(out, q.items[q.head:q.head+n])
	clear(q.items[q.head : q.head+n])
	q.head += n
	q.popped += int64(n)
	q.resetIfEmptyLocked()
	return out
}

// Close stops accepting items and wakes blocked consumers. Items already
// queued can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// QueueStats contains queue counters.
type QueueStats struct {
	Len    int   `json:"len"`
	Peak   int   `json:"peak"`
	Pushed int64 `json:"pushed"`
	Popped int64 `json:"popped"`
}

// Stats returns queue counters.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Len:    len(q.items) - q.head,
		Peak:   q.peak,
		Pushed: q.pushed,
		Popped: q.popped,
	}
}

func (q *Queue[T]) takeLocked() (T, bool) {
	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	q.popped++
	q.resetIfEmptyLocked()
	return item, true
}

func (q *Queue[T]) resetIfEmptyLocked() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
}
