// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Transport is the two-implementation vtable of spec §4.F: the RDMA wire
// transport and the shared-memory transport sit behind this one interface,
// selected per-peer by the connection manager.

package api

// NetConn abstracts a full-duplex network connection object, used by the
// wire transport's reference (non-RDMA-hardware) provider.
type NetConn interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	RawFD() uintptr
}

// Descriptor is the target-side payload descriptor built by
// InitPrepareTransfer: either inline bytes, an indirect iovec reference, or
// a direct DMA region reference (spec §4.F).
type Descriptor struct {
	Inline  []byte
	IOVecs  [][]byte
	Region  uintptr
	Length  uint32
}

// SendFlags controls per-send behavior (e.g. solicit-ack) set by the
// initiator path before a frame is enqueued.
type SendFlags uint32

const (
	SendFlagNone SendFlags = 0
	SendFlagSolicitAck SendFlags = 1 << iota
	SendFlagInline
)

// Transport is the vtable shared by the wire and shared-memory
// implementations (spec §4.F).
type Transport interface {
	// BufAlloc reserves a send/receive buffer sized for length bytes.
	BufAlloc(length int) (Buffer, error)

	// PostTargetDMA submits the target-side descriptor built by
	// InitPrepareTransfer so the transport can fetch/deliver it.
	PostTargetDMA(peer uint64, desc Descriptor) error

	// SendMessage enqueues hdr+payload on the connection toward peer.
	SendMessage(peer uint64, hdr Header, payload []byte) error

	// SetSendFlags configures the next SendMessage's wire-level flags.
	SetSendFlags(flags SendFlags)

	// InitPrepareTransfer builds the target-side Descriptor for length
	// bytes starting at addr, choosing inline/iovec/DMA per spec §4.F.
	InitPrepareTransfer(addr uintptr, length int, iovecs [][]byte) Descriptor

	// TargetDataOut delivers mlength bytes of local memory as a reply
	// payload (GET/FETCHATOMIC/SWAP).
	TargetDataOut(mlength uint32) ([]byte, error)

	// Close releases transport resources.
	Close() error
}

// TransportFeatures reports capability flags a caller may query.
type TransportFeatures struct {
	ZeroCopy bool
	Batch    bool
	RDMA     bool
}
