// Package eq implements the event queue of spec §3/§4: a bounded ring of
// ptl_event_t, single-writer-per-NI on the producer side, multi-consumer
// on the wait/poll side. Overflow replaces the oldest event and raises an
// overflow flag rather than blocking the producer.
//
// Grounded on internal/pool.Ring (itself grounded on pool/ring.go) for the
// backing store, and on internal/concurrency/eventloop.go for the
// NI-level condvar wait idiom.
package eq

import (
	"sync"
	"time"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/pool"
)

// NIWait is the NI-level eq_wait coordination point (spec §3 NI: "an
// eq_wait condvar+mutex").
type NIWait struct {
	Mu   sync.Mutex
	Cond *sync.Cond
}

// NewNIWait constructs an NIWait ready for use.
func NewNIWait() *NIWait {
	w := &NIWait{}
	w.Cond = sync.NewCond(&w.Mu)
	return w
}

// EQ is a bounded, single-writer, multi-reader event queue.
type EQ struct {
	ring     *pool.Ring[api.Event]
	niWait   *NIWait
	mu       sync.Mutex
	overflow bool
	seq      uint64
}

// New creates an EQ of the given capacity, bound to niWait.
func New(capacity int, niWait *NIWait) *EQ {
	return &EQ{ring: pool.NewRing[api.Event](capacity), niWait: niWait}
}

// Push enqueues ev, the matching engine / ACK catcher's single producer
// path. If the ring is full, the oldest event is dropped and the overflow
// flag is raised on the newly queued event (spec §3 "EQ").
func (q *EQ) Push(ev api.Event) {
	q.mu.Lock()
	for !q.ring.Enqueue(ev) {
		q.ring.Dequeue()
		q.overflow = true
		ev.Overflow = true
	}
	q.seq++
	q.mu.Unlock()
	q.niWait.Cond.Broadcast()
}

// Poll returns the next event without blocking; ok is false if empty.
func (q *EQ) Poll() (api.Event, bool) {
	return q.ring.Dequeue()
}

// Wait blocks until an event is available or timeout elapses.
func (q *EQ) Wait(timeout time.Duration) (api.Event, error) {
	deadline := time.Now().Add(timeout)
	q.niWait.Mu.Lock()
	defer q.niWait.Mu.Unlock()
	for {
		if ev, ok := q.ring.Dequeue(); ok {
			return ev, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return api.Event{}, api.ErrNoneReached
		}
		done := make(chan struct{})
		timer := time.AfterFunc(remaining, func() { close(done); q.niWait.Cond.Broadcast() })
		q.niWait.Cond.Wait()
		timer.Stop()
		select {
		case <-done:
		default:
		}
	}
}

// Len reports the number of queued events.
func (q *EQ) Len() int { return q.ring.Len() }

// OverflowOccurred reports whether any event has ever been dropped.
func (q *EQ) OverflowOccurred() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}
