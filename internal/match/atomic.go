// File: internal/match/atomic.go
// Datatype-aware atomic compute for ATOMIC/FETCHATOMIC/SWAP delivery
// (spec §4.C step d, §4.E datatype/operation legality table).
package match

import (
	"encoding/binary"
	"math"

	"github.com/mschoenw/portals4/api"
)

// applyAtomic computes window = window OP operand, element-wise, per
// datatype width. dest and src must be the same length, a multiple of
// datatype's width (enforced by the initiator side, spec §4.E).
func applyAtomic(dest, src []byte, op api.AtomicOp, dt api.Datatype) {
	w := dt.Width()
	if w == 0 {
		return
	}
	for off := 0; off+w <= len(dest) && off+w <= len(src); off += w {
		combine(dest[off:off+w], src[off:off+w], op, dt)
	}
}

// applySwap implements SWAP/CSWAP/MSWAP: dest receives the computed
// result, and the caller already captured the pre-image via TargetDataOut.
func applySwap(dest, src []byte, operand uint64, op api.AtomicOp, dt api.Datatype) {
	w := dt.Width()
	if w == 0 || len(dest) < w || len(src) < w {
		return
	}
	switch op {
	case api.AtomicCSwap:
		cur := beUint(dest[:w])
		cmp := operand & mask(w)
		if cur == cmp {
			copy(dest[:w], src[:w])
		}
	case api.AtomicMSwap:
		m := operand & mask(w)
		cur := beUint(dest[:w])
		val := beUint(src[:w])
		res := (cur &^ m) | (val & m)
		putBEUint(dest[:w], res)
	default: // plain SWAP
		copy(dest[:w], src[:w])
	}
}

func mask(w int) uint64 {
	if w >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(w) * 8)) - 1
}

func beUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

func putBEUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
}

func combine(dest, src []byte, op api.AtomicOp, dt api.Datatype) {
	if dt.IsFloatingPoint() {
		combineFloat(dest, src, op, dt)
		return
	}
	a := beUint(dest)
	b := beUint(src)
	var r uint64
	switch op {
	case api.AtomicMin:
		if a < b {
			r = a
		} else {
			r = b
		}
	case api.AtomicMax:
		if a > b {
			r = a
		} else {
			r = b
		}
	case api.AtomicSum:
		r = a + b
	case api.AtomicProd:
		r = a * b
	case api.AtomicLOR:
		r = boolToU(a != 0 || b != 0)
	case api.AtomicLAND:
		r = boolToU(a != 0 && b != 0)
	case api.AtomicBOR:
		r = a | b
	case api.AtomicBAND:
		r = a & b
	case api.AtomicLXOR:
		r = boolToU((a != 0) != (b != 0))
	case api.AtomicBXOR:
		r = a ^ b
	default:
		r = b
	}
	putBEUint(dest, r&mask(len(dest)))
}

func boolToU(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func combineFloat(dest, src []byte, op api.AtomicOp, dt api.Datatype) {
	var a, b, r float64
	if dt == api.DTFloat {
		a = float64(math.Float32frombits(binary.BigEndian.Uint32(dest)))
		b = float64(math.Float32frombits(binary.BigEndian.Uint32(src)))
	} else {
		a = math.Float64frombits(binary.BigEndian.Uint64(dest))
		b = math.Float64frombits(binary.BigEndian.Uint64(src))
	}
	switch op {
	case api.AtomicMin:
		if a < b {
			r = a
		} else {
			r = b
		}
	case api.AtomicMax:
		if a > b {
			r = a
		} else {
			r = b
		}
	case api.AtomicSum:
		r = a + b
	case api.AtomicProd:
		r = a * b
	default:
		r = b
	}
	if dt == api.DTFloat {
		binary.BigEndian.PutUint32(dest, math.Float32bits(float32(r)))
	} else {
		binary.BigEndian.PutUint64(dest, math.Float64bits(r))
	}
}
