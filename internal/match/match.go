// Package match implements the matching engine of spec §4.C: delivery of
// an incoming frame to a portal-table entry's priority, overflow, and
// buffered-unexpected lists, enforcing match-bits, permission checks,
// min-free, use-once unlink, and the append-time buffered-unexpected
// drain rule.
//
// Open Question resolution (spec §9: the buffered-unexpected/overflow
// interaction is a known design gap): this port treats every OVERFLOW
// match as also producing a BufferedHeader record on the PTE (step 3's
// literal text), so that a later use-once PRIORITY append can drain it
// and report the PUT_OVERFLOW event with the correct `start` (spec §8
// scenario S3); a persistent append made while such records remain
// returns api.ErrFail. See DESIGN.md for the full rationale.
//
// Grounded on protocol/frame_codec.go's decode-then-dispatch shape and on
// pool/base_bufferpool.go's lock-guarded list mutation idiom.
package match

import (
	"sync/atomic"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/ct"
	"github.com/mschoenw/portals4/internal/eq"
	"github.com/mschoenw/portals4/internal/pte"
)

// Registers are the NI-level drop/permission-violation counters of spec
// §4.J / §8 property 6.
type Registers struct {
	DropCount             atomic.Uint64
	PermissionsViolations atomic.Uint64
}

// Result is the outcome of one Deliver call: the ack code to send back to
// the initiator, plus reply payload bytes for GET/FETCHATOMIC/SWAP.
type Result struct {
	Ack          api.AckCode
	ReplyPayload []byte
}

// Deliver applies an incoming frame to entry under its mutex (spec §4.C
// entry point). srcUID/srcJID are the initiator's access credentials.
func Deliver(entry *pte.Entry, regs *Registers, hdr *api.Header, payload []byte, srcUID, srcJID uint32) Result {
	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	if entry.Status == api.PTEUnallocated || entry.Status == api.PTEDisabled {
		regs.DropCount.Add(1)
		return Result{Ack: api.AckSilent}
	}

	if r, ok := walk(entry, &entry.Priority, false, regs, hdr, payload, srcUID, srcJID); ok {
		return r
	}
	if r, ok := walk(entry, &entry.Overflow, true, regs, hdr, payload, srcUID, srcJID); ok {
		return r
	}

	// Step 4: neither list matched -- buffer the unexpected header.
	buf := append([]byte(nil), truncate(payload, maxUnexpected)...)
	entry.Buffered.Add(&pte.BufferedHeader{Hdr: *hdr, Payload: buf})
	return Result{Ack: api.AckOverflow}
}

// maxUnexpected bounds how much of an unmatched payload a PTE retains
// (spec §9 "drop + increment drop-count" is the declared fallback for
// allocator exhaustion; this port instead caps copy size per message).
const maxUnexpected = 1 << 20

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// walk scans list head-to-tail looking for the first entry that matches
// hdr, delivering into it on success. isOverflow selects the step-3
// (overflow) semantics versus step-2 (priority) semantics.
func walk(entry *pte.Entry, list *[]*pte.ListEntry, isOverflow bool, regs *Registers, hdr *api.Header, payload []byte, srcUID, srcJID uint32) (Result, bool) {
	for i, le := range *list {
		if le.IsME {
			if (hdr.MatchBits & ^le.IgnoreBits) != (le.MatchBits & ^le.IgnoreBits) {
				continue
			}
		}

		if !permitted(le, hdr.Type, srcUID, srcJID) {
			regs.PermissionsViolations.Add(1)
			if le.Options.Has(api.OptAckDisable) {
				return Result{Ack: api.AckSilent}, true
			}
			return Result{Ack: api.AckPermViolation}, true
		}

		if le.MinFree > 0 && len(le.Start) < int(hdr.DestOffset)+le.MinFree {
			continue
		}

		mlength := effectiveLength(hdr, le)

		reply := deliverOne(le, hdr, payload, mlength)

		entry.BeginDelivery()
		emitEvent(entry, le, hdr, mlength, isOverflow)
		entry.EndDelivery()

		if le.Options.Has(api.OptUseOnce) {
			unlink(list, i)
			if !le.Options.Has(api.OptUnlinkDisable) && entry.EQ != nil {
				entry.EQ.Push(api.Event{Type: api.EventUnlink, PTIndex: entry.Index})
			}
		}

		if isOverflow {
			buf := append([]byte(nil), truncate(payload, maxUnexpected)...)
			entry.Buffered.Add(&pte.BufferedHeader{Hdr: *hdr, Payload: buf})
		}

		ack := api.AckSuccess
		if le.Options.Has(api.OptAckDisable) {
			ack = api.AckSilent
		}
		return Result{Ack: ack, ReplyPayload: reply}, true
	}
	return Result{}, false
}

func permitted(le *pte.ListEntry, opType api.OpKind, srcUID, srcJID uint32) bool {
	if le.JID != api.JIDAny && srcJID != api.JIDAny && le.JID != srcJID {
		return false
	}
	if le.UID != api.UIDAny && srcUID != api.UIDAny && le.UID != srcUID {
		return false
	}
	switch opType {
	case api.OpPut, api.OpAtomic:
		return le.Options.Has(api.OptOpPut)
	case api.OpGet, api.OpFetchAtomic, api.OpSwap:
		return le.Options.Has(api.OptOpGet)
	default:
		return true
	}
}

func effectiveLength(hdr *api.Header, le *pte.ListEntry) uint32 {
	if hdr.DestOffset >= uint64(len(le.Start)) {
		return 0
	}
	room := uint64(len(le.Start)) - hdr.DestOffset
	if uint64(hdr.Length) < room {
		return hdr.Length
	}
	return uint32(room)
}

// deliverOne performs the per-op-kind delivery of spec §4.E's table and
// returns the reply payload for GET/FETCHATOMIC/SWAP (nil otherwise).
func deliverOne(le *pte.ListEntry, hdr *api.Header, payload []byte, mlength uint32) []byte {
	window := le.Start[hdr.DestOffset : hdr.DestOffset+uint64(mlength)]
	switch hdr.Type {
	case api.OpPut:
		copy(window, payload[:mlength])
		return nil
	case api.OpAtomic:
		applyAtomic(window, payload[:mlength], hdr.AtomicOp, hdr.Datatype)
		return nil
	case api.OpGet:
		out := make([]byte, mlength)
		copy(out, window)
		return out
	case api.OpFetchAtomic:
		out := make([]byte, mlength)
		copy(out, window)
		applyAtomic(window, payload[:mlength], hdr.AtomicOp, hdr.Datatype)
		return out
	case api.OpSwap:
		out := make([]byte, mlength)
		copy(out, window)
		applySwap(window, payload[:mlength], hdr.Operand, hdr.AtomicOp, hdr.Datatype)
		return out
	default:
		return nil
	}
}

func emitEvent(entry *pte.Entry, le *pte.ListEntry, hdr *api.Header, mlength uint32, isOverflow bool) {
	et, ctMask := eventAndCTMask(hdr.Type, isOverflow)
	if !le.Options.Has(api.OptEQDisable) && entry.EQ != nil {
		start := le.Start[hdr.DestOffset : hdr.DestOffset+uint64(mlength)]
		entry.EQ.Push(api.Event{
			Type:      et,
			PTIndex:   entry.Index,
			Start:     start,
			MatchBits: hdr.MatchBits,
			HdrData:   hdr.HdrData,
			UserPtr:   hdr.UserPtr,
			MLength:   mlength,
		})
	}
	if le.CT != nil && le.Options.Has(ctMask) {
		d := ct.Delta{Success: 1}
		if le.Options.Has(api.OptCTBytes) {
			d = ct.Delta{Success: uint64(mlength)}
		}
		le.CT.Increment(d)
	}
}

func eventAndCTMask(op api.OpKind, isOverflow bool) (api.EventType, api.Options) {
	switch op {
	case api.OpPut:
		if isOverflow {
			return api.EventPutOverflow, api.OptCTPutOverflow
		}
		return api.EventPut, api.OptCTPut
	case api.OpGet:
		return api.EventGet, api.OptCTGet
	case api.OpAtomic:
		if isOverflow {
			return api.EventAtomicOverflow, api.OptCTAtomicOverflow
		}
		return api.EventAtomic, api.OptCTAtomic
	case api.OpFetchAtomic:
		return api.EventFetchAtomic, api.OptCTAtomic
	case api.OpSwap:
		return api.EventSwap, api.OptCTAtomic
	default:
		return api.EventPut, api.OptCTPut
	}
}

func unlink(list *[]*pte.ListEntry, i int) {
	s := *list
	s[i].Unlink()
	*list = append(s[:i:i], s[i+1:]...)
}

// Append posts le onto entry's priority, overflow, or probe-only list
// (spec §4.C append rules and §9 Open Question for PROBE_ONLY).
//
// When kind is ListPriority and entry's buffered-unexpected list is
// non-empty, the first buffered header is drained into le and le is
// marked unlinked instead of being linked, matching §8 scenario S3; a
// PROBE_ONLY append returns api.ErrFail; a non-USE_ONCE append attempted while
// buffered headers remain returns api.ErrFail per the spec's Open
// Question resolution (persistent ME + buffered-unexpected is an
// unimplemented combination, not guessed at).
func Append(entry *pte.Entry, le *pte.ListEntry) error {
	entry.Mu.Lock()
	defer entry.Mu.Unlock()

	switch le.Kind {
	case api.ListProbeOnly:
		return api.ErrFail

	case api.ListOverflow:
		entry.Overflow = append(entry.Overflow, le)
		return nil

	case api.ListPriority:
		if entry.Buffered.Length() > 0 {
			if !le.Options.Has(api.OptUseOnce) {
				return api.ErrFail
			}
			bh := entry.Buffered.Peek().(*pte.BufferedHeader)
			entry.Buffered.Remove()
			mlength := effectiveLength(&bh.Hdr, le)
			deliverOne(le, &bh.Hdr, bh.Payload, mlength)
			emitEvent(entry, le, &bh.Hdr, mlength, true)
			le.Unlink()
			if !le.Options.Has(api.OptUnlinkDisable) && entry.EQ != nil {
				entry.EQ.Push(api.Event{Type: api.EventUnlink, PTIndex: entry.Index})
			}
			return nil
		}
		entry.Priority = append(entry.Priority, le)
		return nil
	default:
		return api.ErrArgInvalid
	}
}

