// File: internal/pool/ring.go
// Package pool: lock-free MPMC ring buffer backing the EQ (spec §3 "EQ":
// bounded ring, single-writer-per-NI, multi-consumer) and the
// shared-memory transport's per-progress-thread queues (spec §4.F).
//
// Grounded on pool/ring.go / core/concurrency/ring.go's CAS-sequenced cell
// design (Dmitry Vyukov's bounded MPMC queue).
package pool

import "sync/atomic"

type cell[T any] struct {
	sequence atomic.Uint64
	data     T
}

// Ring is a lock-free, bounded, power-of-two-sized MPMC ring buffer.
type Ring[T any] struct {
	head uint64
	_    [56]byte
	tail uint64
	_    [56]byte
	mask uint64
	cells []cell[T]
}

// NewRing allocates a ring of at least size slots, rounded up to a power
// of two.
func NewRing[T any](size int) *Ring[T] {
	if size < 2 {
		size = 2
	}
	n := 1
	for n < size {
		n <<= 1
	}
	r := &Ring[T]{mask: uint64(n - 1), cells: make([]cell[T], n)}
	for i := range r.cells {
		r.cells[i].sequence.Store(uint64(i))
	}
	return r
}

// Enqueue adds item; returns false if the ring is full.
func (r *Ring[T]) Enqueue(item T) bool {
	for {
		tail := atomic.LoadUint64(&r.tail)
		c := &r.cells[tail&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(tail); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.tail, tail, tail+1) {
				c.data = item
				c.sequence.Store(tail + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// Dequeue removes and returns the oldest item; ok is false if empty.
func (r *Ring[T]) Dequeue() (item T, ok bool) {
	for {
		head := atomic.LoadUint64(&r.head)
		c := &r.cells[head&r.mask]
		seq := c.sequence.Load()
		switch diff := int64(seq) - int64(head+1); {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&r.head, head, head+1) {
				item = c.data
				c.sequence.Store(head + r.mask + 1)
				return item, true
			}
		case diff < 0:
			return item, false
		}
	}
}

// Len reports the approximate number of queued items.
func (r *Ring[T]) Len() int {
	return int(atomic.LoadUint64(&r.tail) - atomic.LoadUint64(&r.head))
}

// Cap reports the fixed ring capacity.
func (r *Ring[T]) Cap() int { return len(r.cells) }
