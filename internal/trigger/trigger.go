// Package trigger builds the triggered-op records ct.CT.Submit schedules
// (spec §4.I): a triggered op is an ordinary initiator call deferred
// until its trigger CT's success+failure reaches a threshold.
//
// The ascending-threshold ordered list itself lives in internal/ct
// (container/heap, per-CT), grounded on internal/concurrency/scheduler.go's
// heap-ordered timer queue -- reworked to be threshold-ordered rather than
// deadline-ordered, and rebuilt from scratch rather than adapting that
// file's unused-import/placeholder-body state (see DESIGN.md). This
// package supplies the Dispatch closures ct.Record carries, keeping
// internal/ct free of any dependency on the initiator operation table and
// avoiding an internal/ct <-> internal/initiator import cycle.
package trigger

import (
	"github.com/mschoenw/portals4/internal/ct"
)

// Kind distinguishes the initiator call a triggered op defers, plus the
// supplemented CT-set kind (spec §9: original_source's PtlTriggeredCTSet).
type Kind uint8

const (
	KindPut Kind = iota
	KindGet
	KindAtomic
	KindFetchAtomic
	KindSwap
	KindCTSet // supplemented: triggered PtlTriggeredCTSet, see SPEC_FULL.md §9
)

// Op is one triggered operation awaiting its trigger CT's threshold.
type Op struct {
	Kind      Kind
	Threshold uint64
	Run       func() error // the deferred initiator call, pre-bound to its args
	OnError   func(error)  // invoked if Run fails; nil is a silent drop

	// CTSetTarget/CTSetEvent are populated only for KindCTSet: the
	// triggered op sets CTSetTarget directly rather than calling an
	// initiator function (ptl_ct.c's PtlTriggeredCTSet has no wire
	// component, it is purely a local CT mutation).
	CTSetTarget *ct.CT
	CTSetEvent  ct.Event
}

// Submit registers op on trigger's pending list (spec §4.I). If
// trigger's threshold is already met, op fires before Submit returns.
func Submit(trigger *ct.CT, op *Op) {
	trigger.Submit(&ct.Record{
		Threshold: op.Threshold,
		Dispatch: func() {
			dispatch(op)
		},
	})
}

func dispatch(op *Op) {
	if op.Kind == KindCTSet {
		if op.CTSetTarget != nil {
			op.CTSetTarget.Set(op.CTSetEvent)
		}
		return
	}
	if op.Run == nil {
		return
	}
	if err := op.Run(); err != nil && op.OnError != nil {
		op.OnError(err)
	}
}

// CancelTriggered drains and discards trigger's pending records
// (PtlCTCancelTriggered, spec §4.I).
func CancelTriggered(trigger *ct.CT) {
	trigger.CancelTriggered()
}
