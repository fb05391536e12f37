// Package initiator implements the initiator operation table of spec
// §4.E: PUT/GET/ATOMIC/FETCHATOMIC/SWAP, each validating its MD window,
// resolving a transport, framing a header, and handing the MD window to
// Transport.SendMessage as the message payload. Length is not compared
// against api.INLINEMAX and no descriptor path exists: every payload
// travels inside the message itself.
//
// Grounded on protocol/connection.go's validate-then-frame-then-send
// shape and on core/protocol/frame_codec.go's header construction idiom.
package initiator

import (
	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/ct"
	"github.com/mschoenw/portals4/internal/ni"
)

// Target names the remote NI/PTE a PutArgs/GetArgs/... addresses.
type Target struct {
	Peer       uint64 // resolved peer id (NID/rank), per spec §4.G
	PTIndex    uint64
	MatchBits  uint64
	DestOffset uint64
}

// PutArgs are the arguments to Put (spec §4.E row PUT).
type PutArgs struct {
	MD           *ni.MD
	LocalOffset  uint64
	Length       uint32
	Target       Target
	AckReq       api.AckReq
	HdrData      uint64
	UserPtr      uint64
}

// GetArgs are the arguments to Get (spec §4.E row GET).
type GetArgs struct {
	MD          *ni.MD
	LocalOffset uint64
	Length      uint32
	Target      Target
	UserPtr     uint64
}

// AtomicArgs are the arguments to Atomic/FetchAtomic (spec §4.E rows
// ATOMIC/FETCHATOMIC).
type AtomicArgs struct {
	MD          *ni.MD
	GetMD       *ni.MD // nil for a plain ATOMIC; set for FETCHATOMIC
	LocalOffset uint64
	Length      uint32
	Target      Target
	Op          api.AtomicOp
	Datatype    api.Datatype
	AckReq      api.AckReq
	HdrData     uint64
	UserPtr     uint64
}

// SwapArgs are the arguments to Swap (spec §4.E row SWAP).
type SwapArgs struct {
	MD          *ni.MD
	GetMD       *ni.MD
	LocalOffset uint64
	Length      uint32
	Target      Target
	Operand     uint64
	Op          api.AtomicOp
	Datatype    api.Datatype
	UserPtr     uint64
}

const maxAtomicSize = 1 << 16

// validateWindow checks step (1) of spec §4.E: the MD must actually back
// [localOffset, localOffset+length).
func validateWindow(md *ni.MD, localOffset uint64, length uint32) ([]byte, error) {
	if md == nil {
		return nil, api.ErrArgInvalid
	}
	end := localOffset + uint64(length)
	if end > uint64(len(md.Start)) {
		return nil, api.ErrArgInvalid
	}
	return md.Start[localOffset:end], nil
}

// frame builds the shared Header fields common to every op (step 3).
func frame(op api.OpKind, t Target, length uint32, ackReq api.AckReq, hdrData, userPtr uint64) api.Header {
	return api.Header{
		Type:       op,
		PTIndex:    t.PTIndex,
		MatchBits:  t.MatchBits,
		DestOffset: t.DestOffset,
		Length:     length,
		AckReq:     ackReq,
		HdrData:    hdrData,
		UserPtr:    userPtr,
	}
}

// send dispatches hdr+payload over transport, then records the SEND
// event on md per its options (step 6), unless the op expects a REPLY in
// place of a SEND for ACK accounting (GET/FETCHATOMIC/SWAP never raise
// SEND per the spec §4.E table's "Completion on initiator" column).
func send(transport api.Transport, t Target, hdr api.Header, payload []byte, md *ni.MD, raiseSend bool) error {
	if err := transport.SendMessage(t.Peer, hdr, payload); err != nil {
		return err
	}
	if raiseSend && md.CT != nil && !md.Options.Has(api.OptEQDisable) {
		md.CT.Increment(ct.Delta{Success: 1})
	}
	return nil
}

// Put implements spec §4.E row PUT.
func Put(transport api.Transport, args PutArgs) error {
	window, err := validateWindow(args.MD, args.LocalOffset, args.Length)
	if err != nil {
		return err
	}
	hdr := frame(api.OpPut, args.Target, args.Length, args.AckReq, args.HdrData, args.UserPtr)
	return send(transport, args.Target, hdr, window, args.MD, true)
}

// Get implements spec §4.E row GET: no payload outbound, completion
// arrives later as a REPLY event (handled by the progress thread when
// the reply frame lands, not by this call).
func Get(transport api.Transport, args GetArgs) error {
	if _, err := validateWindow(args.MD, args.LocalOffset, args.Length); err != nil {
		return err
	}
	hdr := frame(api.OpGet, args.Target, args.Length, api.AckReqNoAck, 0, args.UserPtr)
	return transport.SendMessage(args.Target.Peer, hdr, nil)
}

func legal(op api.AtomicOp, dt api.Datatype, length uint32, swapFamilyAllowed bool) error {
	if op.IsSwapFamily() && !swapFamilyAllowed {
		return api.ErrArgInvalid
	}
	if op.IsLogicalOrBitwise() && dt.IsFloatingPoint() {
		return api.ErrArgInvalid
	}
	w := dt.Width()
	if w == 0 || length%uint32(w) != 0 {
		return api.ErrArgInvalid
	}
	if length > maxAtomicSize {
		return api.ErrArgInvalid
	}
	return nil
}

// sameNI enforces spec §4.E's "both MDs must live on the same NI" legality
// rule for FETCHATOMIC/SWAP.
func sameNI(a, b *ni.MD) bool {
	if a == nil || b == nil {
		return true
	}
	return a.NI == b.NI
}

// Atomic implements spec §4.E row ATOMIC (args.GetMD must be nil).
func Atomic(transport api.Transport, args AtomicArgs) error {
	if args.GetMD != nil {
		return api.ErrArgInvalid
	}
	if err := legal(args.Op, args.Datatype, args.Length, false); err != nil {
		return err
	}
	window, err := validateWindow(args.MD, args.LocalOffset, args.Length)
	if err != nil {
		return err
	}
	hdr := frame(api.OpAtomic, args.Target, args.Length, args.AckReq, args.HdrData, args.UserPtr)
	hdr.AtomicOp = args.Op
	hdr.Datatype = args.Datatype
	return send(transport, args.Target, hdr, window, args.MD, true)
}

// FetchAtomic implements spec §4.E row FETCHATOMIC: swap-family ops are
// rejected (those belong to Swap), both MDs must live on the same NI.
func FetchAtomic(transport api.Transport, args AtomicArgs) error {
	if args.GetMD == nil {
		return api.ErrArgInvalid
	}
	if !sameNI(args.MD, args.GetMD) {
		return api.ErrArgInvalid
	}
	if err := legal(args.Op, args.Datatype, args.Length, false); err != nil {
		return err
	}
	window, err := validateWindow(args.MD, args.LocalOffset, args.Length)
	if err != nil {
		return err
	}
	if _, err := validateWindow(args.GetMD, args.LocalOffset, args.Length); err != nil {
		return err
	}
	hdr := frame(api.OpFetchAtomic, args.Target, args.Length, api.AckReqNoAck, args.HdrData, args.UserPtr)
	hdr.AtomicOp = args.Op
	hdr.Datatype = args.Datatype
	return transport.SendMessage(args.Target.Peer, hdr, window)
}

// Swap implements spec §4.E row SWAP: the 8-byte operand rides in the
// header, put payload follows; both MDs must live on the same NI.
func Swap(transport api.Transport, args SwapArgs) error {
	if args.GetMD == nil {
		return api.ErrArgInvalid
	}
	if !sameNI(args.MD, args.GetMD) {
		return api.ErrArgInvalid
	}
	if err := legal(args.Op, args.Datatype, args.Length, true); err != nil {
		return err
	}
	window, err := validateWindow(args.MD, args.LocalOffset, args.Length)
	if err != nil {
		return err
	}
	if _, err := validateWindow(args.GetMD, args.LocalOffset, args.Length); err != nil {
		return err
	}
	hdr := frame(api.OpSwap, args.Target, args.Length, api.AckReqNoAck, 0, args.UserPtr)
	hdr.AtomicOp = args.Op
	hdr.Datatype = args.Datatype
	hdr.Operand = args.Operand
	return transport.SendMessage(args.Target.Peer, hdr, window)
}
