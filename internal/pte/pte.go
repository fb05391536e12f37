// Package pte implements the portal-table entry of spec §3/§4.B: a per-NI
// array of entries, each owning a priority list, an overflow list, a
// buffered-unexpected list, a bound EQ, an enable state, and a mutex that
// serializes matching against list mutation.
//
// Grounded on control/config.go's mutex-guarded store shape and on
// protocol/connection.go's per-object state + mutex layout; the
// drain-before-disable behavior is supplemented from
// original_source/trunk/src/mc/lib/pt.c (see SPEC_FULL.md §9).
package pte

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/ct"
	"github.com/mschoenw/portals4/internal/eq"
)

// ListEntry is a posted LE/ME target buffer (spec §3 "LE / ME").
type ListEntry struct {
	Handle api.Handle
	IsME   bool // ME participates in match-bits matching; LE does not
	Kind   api.ListKind

	Start   []byte // the posted memory window
	Options api.Options

	MatchBits  uint64
	IgnoreBits uint64
	MinFree    int

	UID, JID uint32 // access-id; api.UIDAny/api.JIDAny for wildcard

	CT *ct.CT // bound CT, nil if none

	// PT is a weak back-pointer: the owning entry's index, not a pointer,
	// per spec §9 DESIGN NOTES ("use weak indices into arenas rather than
	// raw shared pointers" for records that could outlive their owner).
	PT uint64

	unlinked bool
}

// Unlinked reports whether this entry has been removed from its list
// (use-once delivery, or an explicit unlink).
func (l *ListEntry) Unlinked() bool { return l.unlinked }

// Unlink marks the entry removed. Called by the matching engine when it
// splices the entry out of its list (use-once delivery) or by an
// explicit PtlLEUnlink/PtlMEUnlink.
func (l *ListEntry) Unlink() { l.unlinked = true }

// BufferedHeader is an unexpected-header record retained by a PTE that
// had no matching LE/ME at arrival time (spec §4.C step 4).
type BufferedHeader struct {
	Hdr     api.Header
	Payload []byte
}

// Entry is one portal-table slot (spec §3 "Portal-Table Entry").
type Entry struct {
	Mu sync.Mutex

	Index  uint64
	Status api.PTEStatus
	EQ     *eq.EQ

	Priority []*ListEntry
	Overflow []*ListEntry

	// Buffered is the unexpected-header FIFO (spec §4.C step 4): always
	// appended at the tail and drained from the head, a pure
	// producer/consumer access pattern that fits eapache/queue.Queue
	// (grounded on internal/concurrency/executor.go's same use of
	// queue.Queue for task dispatch) better than the slice splicing
	// Priority/Overflow need for arbitrary-position use-once unlink.
	Buffered *queue.Queue

	inFlight  int
	drainCond *sync.Cond
}

func newEntry(index uint64) *Entry {
	e := &Entry{Index: index, Buffered: queue.New()}
	e.drainCond = sync.NewCond(&e.Mu)
	return e
}

// Table is the per-NI array of portal-table entries.
type Table struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewTable creates a Table with room for size entries, all unallocated.
func NewTable(size int) *Table {
	t := &Table{entries: make([]*Entry, size)}
	for i := range t.entries {
		t.entries[i] = newEntry(uint64(i))
	}
	return t
}

// PTIndexAny requests the lowest free index (spec §4.B Alloc).
const PTIndexAny = ^uint64(0)

// Alloc allocates ptIndex (or the lowest free index when PTIndexAny),
// attaching eqq and marking it enabled (or enabled-without-eq if eqq is
// nil). Returns api.ErrNoSpace when ANY and the table is full, or
// api.ErrArgInvalid when the requested index is already in use.
func (t *Table) Alloc(ptIndex uint64, opts api.Options, eqq *eq.EQ) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pick := func(e *Entry) {
		e.Mu.Lock()
		e.EQ = eqq
		if eqq != nil {
			e.Status = api.PTEEnabled
		} else {
			e.Status = api.PTEEnabledNoEQ
		}
		e.Mu.Unlock()
	}

	if ptIndex == PTIndexAny {
		for _, e := range t.entries {
			e.Mu.Lock()
			free := e.Status == api.PTEUnallocated
			e.Mu.Unlock()
			if free {
				pick(e)
				return e.Index, nil
			}
		}
		return 0, api.ErrNoSpace
	}

	if int(ptIndex) >= len(t.entries) {
		return 0, api.ErrArgInvalid
	}
	e := t.entries[ptIndex]
	e.Mu.Lock()
	inUse := e.Status != api.PTEUnallocated
	e.Mu.Unlock()
	if inUse {
		return 0, api.ErrArgInvalid
	}
	pick(e)
	return ptIndex, nil
}

// Free releases ptIndex, waiting for in-flight deliveries to finish
// first (supplemented from ptl_pt.c's drain-before-free behavior). It
// returns api.ErrInUse if entries are still posted on its lists.
func (t *Table) Free(ptIndex uint64) error {
	e, err := t.Get(ptIndex)
	if err != nil {
		return err
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if len(e.Priority) > 0 || len(e.Overflow) > 0 {
		return api.ErrInUse
	}
	for e.inFlight > 0 {
		e.drainCond.Wait()
	}
	e.Status = api.PTEUnallocated
	e.EQ = nil
	e.Buffered = queue.New()
	return nil
}

// Enable marks ptIndex enabled, allowing delivery.
func (t *Table) Enable(ptIndex uint64) error {
	e, err := t.Get(ptIndex)
	if err != nil {
		return err
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.Status == api.PTEUnallocated {
		return api.ErrArgInvalid
	}
	if e.EQ != nil {
		e.Status = api.PTEEnabled
	} else {
		e.Status = api.PTEEnabledNoEQ
	}
	return nil
}

// Disable marks ptIndex disabled after draining in-flight deliveries
// (supplemented from ptl_pt.c's PtlPTDisable).
func (t *Table) Disable(ptIndex uint64) error {
	e, err := t.Get(ptIndex)
	if err != nil {
		return err
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	for e.inFlight > 0 {
		e.drainCond.Wait()
	}
	if e.Status == api.PTEUnallocated {
		return api.ErrArgInvalid
	}
	e.Status = api.PTEDisabled
	return nil
}

// Validate reports the current status of ptIndex (PTValidate, spec §4.B).
func (t *Table) Validate(ptIndex uint64) (api.PTEStatus, error) {
	e, err := t.Get(ptIndex)
	if err != nil {
		return api.PTEUnallocated, err
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	return e.Status, nil
}

// Get resolves ptIndex to its Entry without status checks.
func (t *Table) Get(ptIndex uint64) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ptIndex) >= len(t.entries) {
		return nil, api.ErrArgInvalid
	}
	return t.entries[ptIndex], nil
}

// BeginDelivery marks one delivery in flight; must be paired with
// EndDelivery. The matching engine calls it around each delivery while
// it holds the PTE mutex; the counter does not release that mutex (see
// internal/ni/locking.go).
func (e *Entry) BeginDelivery() { e.inFlight++ }

// EndDelivery completes a delivery started by BeginDelivery, waking any
// Disable/Free waiting for drain.
func (e *Entry) EndDelivery() {
	e.inFlight--
	if e.inFlight == 0 {
		e.drainCond.Broadcast()
	}
}
