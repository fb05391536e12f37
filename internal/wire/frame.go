// Package wire implements the fixed-layout frame codec shared by the RDMA
// wire transport and the shared-memory transport (spec §6 "Framing"):
// a fixed api.Header followed by a variable-length payload, length-prefixed
// so a stream reader can tell an incomplete frame from a malformed one.
//
// Grounded on protocol/frame_codec.go's decode-returns-(nil,0,nil)-on-
// incomplete idiom and its caller-supplied destination buffer for encode.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/mschoenw/portals4/api"
)

// MaxPayload bounds a single frame's payload (spec §4.F INLINEMAX governs
// inline sends; DMA-backed transfers go through Descriptor, not this path).
const MaxPayload = 64 << 20

var errPayloadTooLarge = errors.New("wire: frame payload exceeds maximum allowed size")

// Decode parses one frame from the head of raw. If raw does not yet hold a
// complete frame it returns (nil, nil, 0, nil) so the caller can wait for more
// bytes; a malformed or oversized frame is reported as an error.
func Decode(raw []byte) (*api.Header, []byte, int, error) {
	if len(raw) < api.HeaderWireSize+4 {
		return nil, nil, 0, nil
	}
	off := 0
	hdr := &api.Header{}
	hdr.Type = api.OpKind(raw[off])
	off++
	hdr.NI = raw[off]
	off++
	hdr.Src = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.PTIndex = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.MatchBits = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.IgnoreBits = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.DestOffset = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.Length = binary.BigEndian.Uint32(raw[off:])
	off += 4
	hdr.HdrData = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.UserPtr = binary.BigEndian.Uint64(raw[off:])
	off += 8
	hdr.AckReq = api.AckReq(raw[off])
	off++
	hdr.AtomicOp = api.AtomicOp(raw[off])
	off++
	hdr.Datatype = api.Datatype(raw[off])
	off++
	hdr.Operand = binary.BigEndian.Uint64(raw[off:])
	off += 8

	plen := int64(binary.BigEndian.Uint32(raw[off:]))
	off += 4

	if plen > MaxPayload {
		return nil, nil, 0, errPayloadTooLarge
	}

	total := off + int(plen)
	if len(raw) < total {
		return nil, nil, 0, nil
	}

	payload := make([]byte, plen)
	copy(payload, raw[off:total])
	return hdr, payload, total, nil
}

// Encode appends the wire encoding of hdr and payload to dst, returning the
// extended slice. dst may be nil; the caller owns the returned backing
// array (it is not retained by this package).
func Encode(dst []byte, hdr *api.Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errPayloadTooLarge
	}

	var fixed [api.HeaderWireSize]byte
	off := 0
	fixed[off] = byte(hdr.Type)
	off++
	fixed[off] = hdr.NI
	off++
	binary.BigEndian.PutUint64(fixed[off:], hdr.Src)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], hdr.PTIndex)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], hdr.MatchBits)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], hdr.IgnoreBits)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], hdr.DestOffset)
	off += 8
	binary.BigEndian.PutUint32(fixed[off:], hdr.Length)
	off += 4
	binary.BigEndian.PutUint64(fixed[off:], hdr.HdrData)
	off += 8
	binary.BigEndian.PutUint64(fixed[off:], hdr.UserPtr)
	off += 8
	fixed[off] = byte(hdr.AckReq)
	off++
	fixed[off] = byte(hdr.AtomicOp)
	off++
	fixed[off] = byte(hdr.Datatype)
	off++
	binary.BigEndian.PutUint64(fixed[off:], hdr.Operand)
	off += 8

	dst = append(dst, fixed[:off]...)

	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(payload)))
	dst = append(dst, plen[:]...)
	dst = append(dst, payload...)
	return dst, nil
}
