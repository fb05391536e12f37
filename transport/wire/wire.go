// Package wire implements the RDMA wire transport of spec §4.F: frames
// header+payload onto a connection, one frame per send (payloads are not
// split on api.INLINEMAX), and harvests completions the progress thread
// polls in batches.
//
// The real verbs library is an external collaborator not present in the
// example corpus (spec §9 DESIGN NOTES), so completion harvesting sits
// behind a RDMAProvider interface; netProvider is the reference
// implementation, backed by a plain net.Conn with its raw fd extracted
// via github.com/higebu/netfd for golang.org/x/sys/unix.Poll-style
// readiness (grounded on runZeroInc-sockstats's use of netfd for the same
// purpose), so this transport runs over a TCP connection in the absence
// of real RDMA hardware -- the same fallback shape as the teacher's
// TransportFactory.Create() falling from io_uring to epoll.
//
// Grounded on transport/netconn.go's thin net.Conn wrapper and
// internal/transport/transport.go's api.Transport implementation shape.
package wire

import (
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/wire"
)

// RDMAProvider abstracts the verbs-library completion-queue surface this
// transport needs: post a send, harvest completions in batches, and
// non-blockingly drain received frames.
type RDMAProvider interface {
	Send(peer uint64, frame []byte) error
	// Recv returns the next fully-received frame and its sender, or
	// ok=false if nothing is queued yet. Non-blocking.
	Recv() (peer uint64, frame []byte, ok bool, err error)
	RawFD() uintptr
	Close() error
}

// recvMsg is one completed inbound frame queued by a netProvider readLoop.
type recvMsg struct {
	peer  uint64
	frame []byte
}

// netProvider is the reference RDMAProvider: one net.Conn per peer,
// multiplexed by peer id, with no real RDMA completion queue -- sends
// complete synchronously on the wire, and PostTargetDMA/TargetDataOut
// just move bytes through the same connection. Each connection is read
// by its own goroutine, which frames inbound bytes via wire.Decode and
// queues completed frames for Recv to drain (the reference stand-in for
// a real verbs completion queue, per this file's header comment).
type netProvider struct {
	mu     sync.Mutex
	conns  map[uint64]net.Conn
	dial   func(peer uint64) (net.Conn, error)
	recvCh chan recvMsg
}

// NewNetProvider builds a netProvider that dials peers on demand via dial.
func NewNetProvider(dial func(peer uint64) (net.Conn, error)) RDMAProvider {
	return &netProvider{conns: make(map[uint64]net.Conn), dial: dial, recvCh: make(chan recvMsg, 1024)}
}

func (p *netProvider) connFor(peer uint64) (net.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[peer]; ok {
		return c, nil
	}
	c, err := p.dial(peer)
	if err != nil {
		return nil, err
	}
	p.conns[peer] = c
	go p.readLoop(peer, c)
	return c, nil
}

// readLoop frames bytes off c using wire.Decode's length-prefixed idiom
// and pushes each completed frame onto recvCh, dropping frames if the
// backlog is full rather than blocking the network read (spec §9 "no
// flow control beyond per-PTE enable/disable").
func (p *netProvider) readLoop(peer uint64, c net.Conn) {
	var buf []byte
	tmp := make([]byte, 64*1024)
	for {
		n, err := c.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				_, _, consumed, derr := wire.Decode(buf)
				if derr != nil || consumed == 0 {
					break
				}
				frame := append([]byte(nil), buf[:consumed]...)
				buf = buf[consumed:]
				select {
				case p.recvCh <- recvMsg{peer: peer, frame: frame}:
				default:
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *netProvider) Send(peer uint64, frame []byte) error {
	c, err := p.connFor(peer)
	if err != nil {
		return err
	}
	_, err = c.Write(frame)
	return err
}

func (p *netProvider) Recv() (uint64, []byte, bool, error) {
	select {
	case m := <-p.recvCh:
		return m.peer, m.frame, true, nil
	default:
		return 0, nil, false, nil
	}
}

// RawFD returns the descriptor of an arbitrary connected peer, for the
// progress thread's unix.Poll-based completion harvesting; callers that
// need a specific peer's fd should keep their own RDMAProvider per peer.
func (p *netProvider) RawFD() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if tc, ok := c.(*net.TCPConn); ok {
			if fd, err := netfd.GetFdFromConn(tc); err == nil {
				return fd
			}
		}
	}
	return 0
}

func (p *netProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, c := range p.conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FrameHandler processes one received header+payload, typically by
// handing it to the matching engine and replying if one is owed.
type FrameHandler func(peer uint64, hdr *api.Header, payload []byte)

// Transport implements api.Transport over an RDMAProvider (spec §4.F's
// wire transport branch).
type Transport struct {
	provider RDMAProvider
	bufPool  api.BufferPool
	sendFlags api.SendFlags
	local    []byte // staged region for TargetDataOut replies

	OnFrame FrameHandler
}

// New constructs a Transport over provider, using bufPool for BufAlloc.
func New(provider RDMAProvider, bufPool api.BufferPool) *Transport {
	return &Transport{provider: provider, bufPool: bufPool}
}

// SetFrameHandler installs the callback PollCompletions invokes for each
// decoded inbound frame.
func (t *Transport) SetFrameHandler(h FrameHandler) { t.OnFrame = h }

// PollCompletions implements progress.WireSource: it drains up to max
// received frames from the provider, decodes each one, and dispatches it
// to OnFrame (spec §4.H step 1, "wire completion poll").
func (t *Transport) PollCompletions(max int) (int, error) {
	n := 0
	for i := 0; i < max; i++ {
		_, frame, ok, err := t.provider.Recv()
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		hdr, payload, _, derr := wire.Decode(frame)
		if derr != nil || hdr == nil {
			continue
		}
		if t.OnFrame != nil {
			t.OnFrame(hdr.Src, hdr, payload)
		}
		n++
	}
	return n, nil
}

// BufAlloc reserves a send/receive buffer of length bytes.
func (t *Transport) BufAlloc(length int) (api.Buffer, error) {
	return t.bufPool.Get(length, -1), nil
}

// PostTargetDMA sends desc's bytes (Inline, else the concatenated IOVecs)
// to peer as one OpPut frame. No work-request id is reserved and the
// payload is not split on api.INLINEMAX; a Region-only descriptor sends
// an empty payload.
func (t *Transport) PostTargetDMA(peer uint64, desc api.Descriptor) error {
	payload := desc.Inline
	if payload == nil {
		for _, v := range desc.IOVecs {
			payload = append(payload, v...)
		}
	}
	hdr := api.Header{Type: api.OpPut, Length: uint32(len(payload))}
	frame, err := wire.Encode(nil, &hdr, payload)
	if err != nil {
		return err
	}
	return t.provider.Send(peer, frame)
}

// SendMessage frames hdr+payload and sends it to peer.
func (t *Transport) SendMessage(peer uint64, hdr api.Header, payload []byte) error {
	frame, err := wire.Encode(nil, &hdr, payload)
	if err != nil {
		return err
	}
	return t.provider.Send(peer, frame)
}

// SetSendFlags records flags; SendMessage does not read them, so they are
// not encoded on the wire.
func (t *Transport) SetSendFlags(flags api.SendFlags) { t.sendFlags = flags }

// InitPrepareTransfer builds the target-side descriptor for length bytes
// starting at addr: when length fits api.INLINEMAX and no iovecs are
// given, a Descriptor with only Length set (Inline stays nil; the bytes at
// addr are not copied), else an iovec reference, else a direct DMA region
// reference (spec §4.F).
func (t *Transport) InitPrepareTransfer(addr uintptr, length int, iovecs [][]byte) api.Descriptor {
	if length <= api.INLINEMAX && len(iovecs) == 0 {
		return api.Descriptor{Length: uint32(length)}
	}
	if len(iovecs) > 0 {
		return api.Descriptor{IOVecs: iovecs, Length: uint32(length)}
	}
	return api.Descriptor{Region: addr, Length: uint32(length)}
}

// TargetDataOut returns mlength bytes staged by the last delivery for a
// GET/FETCHATOMIC/SWAP reply.
func (t *Transport) TargetDataOut(mlength uint32) ([]byte, error) {
	if uint32(len(t.local)) < mlength {
		return nil, api.ErrArgInvalid
	}
	return t.local[:mlength], nil
}

// StageReply records bytes the next TargetDataOut call should return;
// ppe's deliverAndReply calls this with a GET/FETCHATOMIC/SWAP's reply
// payload before it sends the REPLY.
func (t *Transport) StageReply(payload []byte) { t.local = payload }

// Close releases the underlying provider.
func (t *Transport) Close() error { return t.provider.Close() }

var _ api.Transport = (*Transport)(nil)
