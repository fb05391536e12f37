// Package ni implements the network interface of spec §3/§4: the per-NI
// object pools (MD/LE/ME/CT/EQ), the portal table, and the two NI-level
// wait points (ct_wait, eq_wait) that every CT/EQ on the NI shares.
//
// Grounded on control/config.go's mutex-guarded store shape for the
// gbl_mutex/obj_lock pair, and on original_source/ib/src/ptl_ni.c for
// option-combination validation (see SPEC_FULL.md §9).
package ni

import (
	"sync"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/ct"
	"github.com/mschoenw/portals4/internal/eq"
	"github.com/mschoenw/portals4/internal/match"
	"github.com/mschoenw/portals4/internal/pool"
	"github.com/mschoenw/portals4/internal/pte"
)

// Limits caps the per-kind object-pool sizes of one NI (spec §3 NI
// "Limits"). Zero means "use the package default".
type Limits struct {
	MaxEntries int // LE+ME combined
	MaxMDs     int
	MaxCTs     int
	MaxEQs     int
	MaxPTEs    int
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntries == 0 {
		l.MaxEntries = 4096
	}
	if l.MaxMDs == 0 {
		l.MaxMDs = 1024
	}
	if l.MaxCTs == 0 {
		l.MaxCTs = 1024
	}
	if l.MaxEQs == 0 {
		l.MaxEQs = 256
	}
	if l.MaxPTEs == 0 {
		l.MaxPTEs = 64
	}
	return l
}

// MD is a memory descriptor: a local memory region bound for
// initiator-side operations (spec §3 "MD").
type MD struct {
	Start   []byte
	Options api.Options
	CT      *ct.CT
	NI      int // owning NI index, checked by initiator.sameNI (spec §4.E)
}

// NI is one network interface instance: the owner of every object pool,
// the portal table, and the two NI-level wait points CT/EQ share.
type NI struct {
	Index   int
	Options api.Options
	Limits  Limits

	// gbl_mutex guards NI-wide bookkeeping (the torndown flag; the Regs
	// below are atomics and take no lock); obj_lock guards pool allocation. Lock order NI.gbl_mutex before NI.obj_lock
	// before PTE.mutex before CT.mutex is documented once in locking.go.
	gblMutex sync.Mutex
	objLock  sync.Mutex

	mds *pool.Pool[*MD]
	les *pool.Pool[*pte.ListEntry]
	mes *pool.Pool[*pte.ListEntry]
	cts *pool.Pool[*ct.CT]
	eqs *pool.Pool[*eq.EQ]

	PT *pte.Table

	CTWait *ct.NIWait
	EQWait *eq.NIWait

	Regs match.Registers

	torndown bool
}

// New validates opts against limits and constructs an NI (ptl_ni.c's
// creation-time option-combination check, spec §9).
func New(index int, opts api.Options, limits Limits) (*NI, error) {
	if err := Validate(opts); err != nil {
		return nil, err
	}
	limits = limits.withDefaults()

	n := &NI{
		Index:   index,
		Options: opts,
		Limits:  limits,
		CTWait:  ct.NewNIWait(),
		EQWait:  eq.NewNIWait(),
	}
	n.mds = pool.New[*MD](api.KindMD, index, limits.MaxMDs)
	n.les = pool.New[*pte.ListEntry](api.KindLE, index, limits.MaxEntries)
	n.mes = pool.New[*pte.ListEntry](api.KindME, index, limits.MaxEntries)
	n.cts = pool.New[*ct.CT](api.KindCT, index, limits.MaxCTs)
	n.eqs = pool.New[*eq.EQ](api.KindEQ, index, limits.MaxEQs)
	n.PT = pte.NewTable(limits.MaxPTEs)
	return n, nil
}

// Validate rejects option combinations ptl_ni.c's PtlNIInit refuses: an
// NI must pick exactly one of {matching, non-matching} and exactly one
// of {logical, physical} addressing.
func Validate(opts api.Options) error {
	matching := opts.Has(api.OptMatching)
	nonMatching := opts.Has(api.OptNonMatching)
	if matching == nonMatching {
		return api.ErrArgInvalid
	}
	logical := opts.Has(api.OptLogical)
	physical := opts.Has(api.OptPhysical)
	if logical == physical {
		return api.ErrArgInvalid
	}
	return nil
}

// Fini tears the NI down: it interrupts CTWait, so ct.Poll callers on this
// NI return api.ErrInterrupted, and broadcasts EQWait. CT.Wait callers
// block on their own CT's condvar and are not woken; EQ.Wait callers wake
// and keep waiting until their timeout. The torn-down flag is not
// consulted by the Alloc* methods, so allocation still succeeds after
// Fini. Idempotent.
func (n *NI) Fini() {
	n.gblMutex.Lock()
	already := n.torndown
	n.torndown = true
	n.gblMutex.Unlock()
	if already {
		return
	}
	n.CTWait.Interrupt()
	n.EQWait.Mu.Lock()
	n.EQWait.Cond.Broadcast()
	n.EQWait.Mu.Unlock()
}

// AllocMD reserves an MD slot.
func (n *NI) AllocMD(start []byte, opts api.Options, c *ct.CT) (api.Handle, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.mds.Alloc(func() *MD { return &MD{Start: start, Options: opts, CT: c, NI: n.Index} })
}

// GetMD resolves h to its MD.
func (n *NI) GetMD(h api.Handle) (*MD, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.mds.Get(h)
}

// FreeMD releases h.
func (n *NI) FreeMD(h api.Handle) error {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.mds.Free(h)
}

// AllocEntry reserves an LE or ME slot, per isME, and fills in the
// shared ListEntry fields.
func (n *NI) AllocEntry(isME bool, le *pte.ListEntry) (api.Handle, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	le.IsME = isME
	p := n.les
	if isME {
		p = n.mes
	}
	h, err := p.Alloc(func() *pte.ListEntry { return le })
	if err != nil {
		return api.InvalidHandle, err
	}
	le.Handle = h
	return h, nil
}

// GetEntry resolves h to its ListEntry.
func (n *NI) GetEntry(h api.Handle) (*pte.ListEntry, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	if h.Kind() == api.KindME {
		return n.mes.Get(h)
	}
	return n.les.Get(h)
}

// FreeEntry releases h from the appropriate pool.
func (n *NI) FreeEntry(h api.Handle) error {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	if h.Kind() == api.KindME {
		return n.mes.Free(h)
	}
	return n.les.Free(h)
}

// AllocCT reserves a CT slot bound to this NI's ct_wait point.
func (n *NI) AllocCT() (api.Handle, *ct.CT, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	var created *ct.CT
	h, err := n.cts.Alloc(func() *ct.CT {
		created = ct.New(n.CTWait)
		return created
	})
	if err != nil {
		return api.InvalidHandle, nil, err
	}
	return h, created, nil
}

// GetCT resolves h to its CT.
func (n *NI) GetCT(h api.Handle) (*ct.CT, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.cts.Get(h)
}

// FreeCT interrupts and releases the CT referenced by h.
func (n *NI) FreeCT(h api.Handle) error {
	n.objLock.Lock()
	c, err := n.cts.Get(h)
	if err == nil {
		c.Free()
	}
	defer n.objLock.Unlock()
	return n.cts.Free(h)
}

// AllocEQ reserves an EQ slot of the given capacity, bound to this NI's
// eq_wait point.
func (n *NI) AllocEQ(capacity int) (api.Handle, *eq.EQ, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	var created *eq.EQ
	h, err := n.eqs.Alloc(func() *eq.EQ {
		created = eq.New(capacity, n.EQWait)
		return created
	})
	if err != nil {
		return api.InvalidHandle, nil, err
	}
	return h, created, nil
}

// GetEQ resolves h to its EQ.
func (n *NI) GetEQ(h api.Handle) (*eq.EQ, error) {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.eqs.Get(h)
}

// FreeEQ releases the EQ referenced by h.
func (n *NI) FreeEQ(h api.Handle) error {
	n.objLock.Lock()
	defer n.objLock.Unlock()
	return n.eqs.Free(h)
}
