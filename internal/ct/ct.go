// Package ct implements the counting-event (CT) primitive of spec §4.D:
// a {success, failure} pair with a waiter condvar, an interrupt flag, and
// an ordered list of triggered operations fired in threshold order.
//
// Grounded on internal/concurrency/eventloop.go's condvar/broadcast idiom
// and on original_source/ib/src/ptl_ct.c (PtlCTOp's success/failure delta
// application, see SPEC_FULL.md §9).
package ct

import (
	"container/heap"
	"sync"
	"time"

	"github.com/mschoenw/portals4/api"
)

// Delta is the {success, failure} increment applied by Set/Increment.
type Delta struct {
	Success uint64
	Failure uint64
}

// Event is the current {success, failure} snapshot returned by Get/Wait/Poll.
type Event struct {
	Success uint64
	Failure uint64
}

func (e Event) total() uint64 { return e.Success + e.Failure }

// Record is a pending triggered operation queued on a CT (spec §3
// "Triggered op record", §4.I). Dispatch is supplied by the initiator
// package when it submits the triggered op, keeping this package free of
// any dependency on the initiator's operation table.
type Record struct {
	Threshold uint64
	Dispatch  func()
	index     int // heap bookkeeping
}

// thresholdHeap orders pending Records ascending by Threshold (spec §3
// invariant: "ordered by threshold ascending").
type thresholdHeap []*Record

func (h thresholdHeap) Len() int            { return len(h) }
func (h thresholdHeap) Less(i, j int) bool  { return h[i].Threshold < h[j].Threshold }
func (h thresholdHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *thresholdHeap) Push(x any)         { r := x.(*Record); r.index = len(*h); *h = append(*h, r) }
func (h *thresholdHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// NIWait is the NI-level ct_wait coordination point shared by every CT
// belonging to one NI (spec §3 NI: "a ct_wait condvar+mutex"). ct_poll
// blocks on this condvar and is woken by a mutation to any CT on the NI.
type NIWait struct {
	Mu          sync.Mutex
	Cond        *sync.Cond
	interrupted bool
}

// NewNIWait constructs an NIWait ready for use.
func NewNIWait() *NIWait {
	w := &NIWait{}
	w.Cond = sync.NewCond(&w.Mu)
	return w
}

// Interrupt marks this NI interrupted permanently and wakes Poll callers
// blocked on it, which then return api.ErrInterrupted (NI teardown, spec
// §4.J "Wait interrupted by NI teardown"). CT.Wait callers block on their
// own CT's condvar and are not woken by this.
func (w *NIWait) Interrupt() {
	w.Mu.Lock()
	w.interrupted = true
	w.Mu.Unlock()
	w.Cond.Broadcast()
}

// CT is a single counting event.
type CT struct {
	mu          sync.Mutex
	cond        *sync.Cond
	niWait      *NIWait
	success     uint64
	failure     uint64
	interrupted bool
	pending     thresholdHeap // triggered ops awaiting this CT's threshold
}

// New creates a CT bound to the given NI-level wait point.
func New(niWait *NIWait) *CT {
	c := &CT{niWait: niWait}
	c.cond = sync.NewCond(&c.mu)
	heap.Init(&c.pending)
	return c
}

// Get returns the current {success, failure} snapshot.
func (c *CT) Get() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Event{Success: c.success, Failure: c.failure}
}

// Set assigns {success, failure} directly (PtlCTSet). Locking order is
// NI.ct_wait_mutex before CT.mutex (spec §5 Locking discipline).
func (c *CT) Set(e Event) {
	c.niWait.Mu.Lock()
	c.mu.Lock()
	c.success, c.failure = e.Success, e.Failure
	c.mu.Unlock()
	c.niWait.Mu.Unlock()
	c.cond.Broadcast()
	c.niWait.Cond.Broadcast()
	c.fireReady()
}

// Increment applies delta on top of the current counters (PtlCTInc, and
// the matching engine's make_ct_event delivery-side update).
func (c *CT) Increment(d Delta) {
	c.niWait.Mu.Lock()
	c.mu.Lock()
	c.success += d.Success
	c.failure += d.Failure
	c.mu.Unlock()
	c.niWait.Mu.Unlock()
	c.cond.Broadcast()
	c.niWait.Cond.Broadcast()
	c.fireReady()
}

// Wait blocks until success+failure >= threshold or the CT is interrupted.
func (c *CT) Wait(threshold uint64) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.interrupted {
			return Event{c.success, c.failure}, api.ErrInterrupted
		}
		if c.success+c.failure >= threshold {
			return Event{c.success, c.failure}, nil
		}
		c.cond.Wait()
	}
}

// Free raises the interrupt flag and wakes every waiter on this CT, per
// spec §4.D "free raises the interrupt flag, broadcasts".
func (c *CT) Free() {
	c.mu.Lock()
	c.interrupted = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.niWait.Cond.Broadcast()
}

// Submit appends a triggered-op record to this CT's pending list, ordered
// by ascending threshold (spec §3/§4.I). If the threshold is already met,
// it fires immediately rather than waiting for the next mutation.
func (c *CT) Submit(r *Record) {
	c.mu.Lock()
	heap.Push(&c.pending, r)
	ready := c.readyLocked()
	c.mu.Unlock()
	for _, rec := range ready {
		rec.Dispatch()
	}
}

// CancelTriggered drains and discards every pending record on this CT
// (PtlCTCancelTriggered, spec §4.I).
func (c *CT) CancelTriggered() {
	c.mu.Lock()
	c.pending = nil
	heap.Init(&c.pending)
	c.mu.Unlock()
}

// fireReady extracts every record whose threshold has been met and
// dispatches it outside the CT lock, preserving the invariant that a
// triggered op with threshold T fires exactly once, strictly after the
// increment that reached T (spec §4.I, §8 property 2).
func (c *CT) fireReady() {
	c.mu.Lock()
	ready := c.readyLocked()
	c.mu.Unlock()
	for _, rec := range ready {
		rec.Dispatch()
	}
}

func (c *CT) readyLocked() []*Record {
	var ready []*Record
	total := c.success + c.failure
	for c.pending.Len() > 0 && c.pending[0].Threshold <= total {
		ready = append(ready, heap.Pop(&c.pending).(*Record))
	}
	return ready
}

// Poll blocks on the NI-level wait point until any of cts reaches its
// paired threshold, is interrupted, or timeout elapses (spec §4.D, §5).
// Returns the index of the satisfied CT and its event, or an error.
func Poll(niWait *NIWait, cts []*CT, thresholds []uint64, timeout time.Duration) (int, Event, error) {
	deadline := time.Now().Add(timeout)
	niWait.Mu.Lock()
	defer niWait.Mu.Unlock()
	for {
		for i, c := range cts {
			c.mu.Lock()
			interrupted := c.interrupted
			e := Event{c.success, c.failure}
			c.mu.Unlock()
			if interrupted {
				return i, e, api.ErrInterrupted
			}
			if e.total() >= thresholds[i] {
				return i, e, nil
			}
		}
		if niWait.interrupted {
			return -1, Event{}, api.ErrInterrupted
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return -1, Event{}, api.ErrNoneReached
		}
		waitOnCond(niWait.Cond, remaining)
	}
}

// waitOnCond blocks on cond for at most d, using a timer goroutine to
// force a spurious wakeup at the deadline (sync.Cond has no native
// timed-wait). The NI-level mutex is held by the caller throughout, as
// required by sync.Cond.Wait's contract.
func waitOnCond(cond *sync.Cond, d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		close(done)
		cond.Broadcast()
	})
	defer timer.Stop()
	cond.Wait()
	select {
	case <-done:
	default:
	}
}
