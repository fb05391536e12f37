// Package shmem implements the shared-memory transport of spec §4.F:
// buffers are pushed onto the peer NI's internal queue, a lock-free MPSC
// ring, instead of going out over a wire. Nothing is sent back on
// completion: this package never sets Frame.Release or returns a buffer
// to the originating NI.
//
// The segment itself is mmap'd once per node (spec §6 "Shared-memory
// layout"), grounded on golang.org/x/sys/unix.Mmap usage in
// pool/bufferpool_linux.go / pool/numa_linux.go; the ring queue reuses
// internal/pool.Ring, the same structure backing the EQ.
package shmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/pool"
)

// Frame is one queued shared-memory message (spec §4.H step 3's
// "MEM_SEND" record): a header, the payload slice exactly as the sender
// passed it (not copied into the segment), and the sender's ring index.
type Frame struct {
	Hdr     api.Header
	Payload []byte
	FromNI  int
	Release bool // carrier flipped to RELEASE rather than a fresh send
}

// Segment is one mmap'd shared-memory file plus one Ring[Frame] per ring
// index. The rings live in process memory, not inside the mapping, and
// the mapping holds no header or rank table: nothing reads or writes it
// after the mmap.
type Segment struct {
	file  *os.File
	data  []byte
	Rings []*pool.Ring[Frame]
}

// CreateSegment opens (creating if needed) a POSIX-shm-style backing
// file at path, mmaps size bytes, and allocates nRings lock-free rings of
// ringCapacity alongside the mapping (spec §9 RemoteAddressSpace:
// make_segment/map_segment).
func CreateSegment(path string, size int, nRings, ringCapacity int) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open segment: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: truncate segment: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmem: mmap segment: %w", err)
	}
	seg := &Segment{file: f, data: data, Rings: make([]*pool.Ring[Frame], nRings)}
	for i := range seg.Rings {
		seg.Rings[i] = pool.NewRing[Frame](ringCapacity)
	}
	return seg, nil
}

// Close unmaps and closes the segment (spec §9 "unmap_segment").
func (s *Segment) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.file.Close()
}

// Remove additionally deletes the backing file (spec §9
// "remove_segment", node-leader-only in a real deployment).
func (s *Segment) Remove(path string) error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// FrameHandler processes one Frame dequeued off a Transport's ring,
// typically by handing it to the matching engine and, if a reply is
// owed, staging and sending it back over the same (or another)
// Transport (spec §4.H step 3).
type FrameHandler func(Frame)

// Transport implements api.Transport over one Segment ring, dispatching
// locally-addressed NIs without going through a wire connection at all
// (spec §4.F "Shared-memory transport").
type Transport struct {
	seg      *Segment
	ringIdx  int
	bufPool  api.BufferPool
	localDest []byte

	OnFrame FrameHandler
}

// New constructs a Transport over ring index ringIdx of seg.
func New(seg *Segment, ringIdx int, bufPool api.BufferPool) *Transport {
	return &Transport{seg: seg, ringIdx: ringIdx, bufPool: bufPool}
}

// SetFrameHandler installs the callback Dequeue invokes for each Frame it
// pulls off this Transport's ring.
func (t *Transport) SetFrameHandler(h FrameHandler) { t.OnFrame = h }

func (t *Transport) ring() *pool.Ring[Frame] { return t.seg.Rings[t.ringIdx] }

// BufAlloc reserves a buffer from the shared buffer pool.
func (t *Transport) BufAlloc(length int) (api.Buffer, error) {
	return t.bufPool.Get(length, -1), nil
}

// PostTargetDMA enqueues desc's bytes as a Frame on the peer's ring,
// peer here being interpreted as a local ring index (co-resident NIs).
func (t *Transport) PostTargetDMA(peer uint64, desc api.Descriptor) error {
	payload := desc.Inline
	if payload == nil {
		for _, v := range desc.IOVecs {
			payload = append(payload, v...)
		}
	}
	return t.enqueue(peer, api.Header{Type: api.OpPut, Length: uint32(len(payload))}, payload)
}

// SendMessage enqueues hdr+payload as a Frame on peer's ring.
func (t *Transport) SendMessage(peer uint64, hdr api.Header, payload []byte) error {
	return t.enqueue(peer, hdr, payload)
}

func (t *Transport) enqueue(peer uint64, hdr api.Header, payload []byte) error {
	idx := int(peer) % len(t.seg.Rings)
	f := Frame{Hdr: hdr, Payload: payload, FromNI: t.ringIdx}
	if !t.seg.Rings[idx].Enqueue(f) {
		return api.ErrNoSpace
	}
	return nil
}

// SetSendFlags is a no-op for the shared-memory transport: there is no
// wire-level ack-solicitation bit to set, delivery is synchronous once
// dequeued.
func (t *Transport) SetSendFlags(api.SendFlags) {}

// InitPrepareTransfer mirrors the wire transport's inline/iovec/region
// selection (spec §4.F), including its small-transfer Descriptor that
// carries only Length (Inline stays nil); the shared-memory path always
// has the payload resident locally, so iovecs/region never need a real DMA.
func (t *Transport) InitPrepareTransfer(addr uintptr, length int, iovecs [][]byte) api.Descriptor {
	if length <= api.INLINEMAX && len(iovecs) == 0 {
		return api.Descriptor{Length: uint32(length)}
	}
	if len(iovecs) > 0 {
		return api.Descriptor{IOVecs: iovecs, Length: uint32(length)}
	}
	return api.Descriptor{Region: addr, Length: uint32(length)}
}

// TargetDataOut returns the staged reply payload.
func (t *Transport) TargetDataOut(mlength uint32) ([]byte, error) {
	if uint32(len(t.localDest)) < mlength {
		return nil, api.ErrArgInvalid
	}
	return t.localDest[:mlength], nil
}

// StageReply records the bytes the next TargetDataOut call should return.
func (t *Transport) StageReply(payload []byte) { t.localDest = payload }

// Close is a no-op: the Segment outlives any one Transport view over it.
func (t *Transport) Close() error { return nil }

// Poll dequeues and returns the next Frame destined for this transport's
// ring, or ok=false if empty (spec §4.H step 3's shared-memory dequeue).
func (t *Transport) Poll() (Frame, bool) { return t.ring().Dequeue() }

// Dequeue implements progress.ShmemSource: it pulls one Frame off this
// transport's ring and, if a handler is installed, runs it inline on the
// progress thread (spec §4.H step 3's "look up the PTE ... walk the
// matching list").
func (t *Transport) Dequeue() (bool, error) {
	f, ok := t.Poll()
	if !ok {
		return false, nil
	}
	if t.OnFrame != nil {
		t.OnFrame(f)
	}
	return true, nil
}

var _ api.Transport = (*Transport)(nil)
