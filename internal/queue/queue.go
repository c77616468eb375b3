// Package queue implements the bounded many-producer, single-consumer
// handoff between reactor goroutines and the engine worker.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/cryguy/jsgate/internal/core"
)

// State is the lifecycle of a Queue.
type State int

const (
	// StateOpen accepts offers.
	StateOpen State = iota
	// StateClosing rejects offers but still holds buffered records.
	StateClosing
	// StateClosed rejects offers and has nothing left to take.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Queue is a fixed-capacity FIFO of request records. Offer never blocks;
// Take blocks until a record arrives or the queue is closed and drained.
type Queue struct {
	mu       sync.RWMutex // guards closed against the close(ch) in Close
	closed   bool
	ch       chan *core.RequestRecord
	capacity int

	accepted atomic.Uint64
	rejected atomic.Uint64
}

var _ core.RecordSource = (*Queue)(nil)

// New creates a queue holding at most capacity records. capacity must be
// positive; config validation guarantees that before a gateway gets here.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("queue.New: capacity must be > 0")
	}
	return &Queue{ch: make(chan *core.RequestRecord, capacity), capacity: capacity}
}

// Offer enqueues rec without blocking. It returns core.ErrQueueFull when the
// queue is at capacity and core.ErrQueueClosed once Close has been called.
// Safe for concurrent use.
func (q *Queue) Offer(rec *core.RequestRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.rejected.Add(1)
		return core.ErrQueueClosed
	}
	select {
	case q.ch <- rec:
		q.accepted.Add(1)
		return nil
	default:
		q.rejected.Add(1)
		return core.ErrQueueFull
	}
}

// Take returns the next record. ok is false once the queue is closed and
// every buffered record has been taken. Intended for the single consumer.
func (q *Queue) Take() (rec *core.RequestRecord, ok bool) {
	rec, ok = <-q.ch
	return rec, ok
}

// Close stops further offers. Buffered records remain available to Take.
// Calling Close more than once is harmless.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// State reports the current lifecycle state.
func (q *Queue) State() State {
	q.mu.RLock()
	defer q.mu.RUnlock()
	switch {
	case !q.closed:
		return StateOpen
	case len(q.ch) > 0:
		return StateClosing
	default:
		return StateClosed
	}
}

// Len returns the number of buffered records.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Accepted returns the number of successful offers.
func (q *Queue) Accepted() uint64 { return q.accepted.Load() }

// Rejected returns the number of offers refused because the queue was full
// or closed.
func (q *Queue) Rejected() uint64 { return q.rejected.Load() }
