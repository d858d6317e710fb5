package eventloop

import (
	"sync"
)

// minQueueCap is the initial capacity of a taskQueue's ring.
const minQueueCap = 64

// taskQueue is a mutex-guarded FIFO of tasks, backed by a ring buffer that
// doubles when full. Push may be called from any goroutine, the pops only
// from the loop.
type taskQueue struct {
	ring []func()
	mu   sync.Mutex
	// index of the oldest task
	head int
	n    int
}

func (q *taskQueue) push(task func()) {
	q.mu.Lock()
	if q.n == len(q.ring) {
		q.grow()
	}
	q.ring[(q.head+q.n)%len(q.ring)] = task
	q.n++
	q.mu.Unlock()
}

// grow doubles the ring, unwrapping it so head is 0.
func (q *taskQueue) grow() {
	size := 2 * len(q.ring)
	if size < minQueueCap {
		size = minQueueCap
	}
	ring := make([]func(), size)
	k := copy(ring, q.ring[q.head:])
	copy(ring[k:], q.ring[:q.head])
	q.ring = ring
	q.head = 0
}

func (q *taskQueue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	return q.take(), true
}

// popBatch moves up to len(buf) tasks into buf, returning the count.
func (q *taskQueue) popBatch(buf []func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(len(buf), q.n)
	for i := 0; i < n; i++ {
		buf[i] = q.take()
	}
	return n
}

// take removes the oldest task, clearing its slot. Caller must hold mu, and
// the queue must be non-empty.
func (q *taskQueue) take() func() {
	task := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	if q.n == 0 {
		q.head = 0
	}
	return task
}

func (q *taskQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
