// File: internal/pool/pool.go
// Package pool implements the object pools and handle encoding of spec
// component A: pre-allocated typed arenas for NI/MD/LE/ME/CT/EQ/PT/Buf,
// with weak-reference handles validated by kind and generation.
//
// Grounded on api/pool.go and pool/objpool.go's ObjectPool[T] shape, with
// sync.Pool's non-deterministic reuse replaced by an explicit free-list
// plus generation counter -- the spec requires that a freed handle's reuse
// be detectable, which sync.Pool cannot give.
package pool

import (
	"sync"

	"github.com/mschoenw/portals4/api"
)

// Pool is a fixed-capacity generational arena for one object kind within
// one NI. T is the slot payload type (e.g. a *CT, *Entry, ...).
type Pool[T any] struct {
	mu         sync.Mutex
	kind       api.Kind
	niIndex    int
	slots      []slot[T]
	free       []int // stack of free slot indices
	limit      int
}

type slot[T any] struct {
	value      T
	generation uint32
	allocated  bool
}

// New creates a Pool for kind, owned by niIndex, capped at limit entries.
func New[T any](kind api.Kind, niIndex int, limit int) *Pool[T] {
	p := &Pool[T]{
		kind:    kind,
		niIndex: niIndex,
		slots:   make([]slot[T], 0, limit),
		limit:   limit,
	}
	return p
}

// Alloc reserves a slot, running init to construct the payload, and
// returns the handle referencing it. Returns api.ErrNoSpace if the pool is
// at its configured limit.
func (p *Pool[T]) Alloc(init func() T) (api.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idx int
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if len(p.slots) >= p.limit {
			return api.InvalidHandle, api.ErrNoSpace
		}
		p.slots = append(p.slots, slot[T]{generation: 1})
		idx = len(p.slots) - 1
	}

	s := &p.slots[idx]
	s.value = init()
	s.allocated = true
	return api.NewHandle(p.kind, p.niIndex, s.generation, idx), nil
}

// Free releases the slot referenced by h, bumping its generation so any
// stale handle to it fails subsequent lookups.
func (p *Pool[T]) Free(h api.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.resolveLocked(h)
	if err != nil {
		return err
	}
	var zero T
	s.value = zero
	s.allocated = false
	s.generation++
	p.free = append(p.free, h.Slot())
	return nil
}

// Get resolves h to its payload. Returns api.ErrArgInvalid on kind
// mismatch, stale generation, or an out-of-range slot.
func (p *Pool[T]) Get(h api.Handle) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	s, err := p.resolveLocked(h)
	if err != nil {
		return zero, err
	}
	return s.value, nil
}

// Len returns the number of live (allocated) entries.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

func (p *Pool[T]) resolveLocked(h api.Handle) (*slot[T], error) {
	if h.Kind() != p.kind && h.Kind() != api.KindAny {
		return nil, api.ErrArgInvalid
	}
	idx := h.Slot()
	if idx < 0 || idx >= len(p.slots) {
		return nil, api.ErrArgInvalid
	}
	s := &p.slots[idx]
	if !s.allocated || s.generation != h.Generation() {
		return nil, api.ErrArgInvalid
	}
	return s, nil
}
