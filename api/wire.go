// File: api/wire.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-layout frame header shared by the RDMA wire transport and the
// shared-memory transport (spec §6 "Framing"). Both transports exchange the
// same Header; only the carrier differs.

package api

// Header is the fixed portion of every frame. Reply frames reuse the
// request's Header with Type overwritten to OpReply.
type Header struct {
	Type       OpKind
	NI         uint8
	Src        uint64 // sender rank or pid
	PTIndex    uint64
	MatchBits  uint64
	IgnoreBits uint64
	DestOffset uint64
	Length     uint32
	HdrData    uint64
	UserPtr    uint64 // initiator-side cookie, echoed back on ACK/REPLY

	AckReq   AckReq
	AtomicOp AtomicOp
	Datatype Datatype

	// Operand is the 8-byte SWAP comparison/mask operand; unused otherwise.
	Operand uint64
}

// HeaderWireSize is the encoded size of Header on the wire, in bytes.
const HeaderWireSize = 1 + 1 + 8 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 1 + 1 + 1 + 8

// INLINEMAX is the largest payload carried inline in the frame instead of
// via an iovec/DMA descriptor (spec §4.F init_prepare_transfer).
const INLINEMAX = 4096
