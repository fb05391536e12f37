// Package fake
//
// Fake api.Transport: records every SendMessage call in-memory and lets a
// test stage/inspect them without a real wire connection or shared-memory
// segment, with injectable errors for fault-path coverage.
//
// Grounded on fake/transport.go's original shape (counters + injectable
// errors, controllable via SetSendError/GetSentData-style accessors),
// generalized onto the current api.Transport method set (BufAlloc,
// PostTargetDMA, SendMessage, SetSendFlags, InitPrepareTransfer,
// TargetDataOut, Close), plus the StageReply helper the real transports
// also provide, from the teacher's Send/Recv/Features shape.
package fake

import (
	"sync"

	"github.com/mschoenw/portals4/api"
)

// SentMessage is one recorded SendMessage call.
type SentMessage struct {
	Peer    uint64
	Hdr     api.Header
	Payload []byte
	Flags   api.SendFlags
}

// Transport is a fake api.Transport for testing.
type Transport struct {
	mu        sync.Mutex
	sent      []SentMessage
	staged    []byte
	flags     api.SendFlags
	closed    bool
	sendErr   error
	allocErr  error
	dmaErr    error
}

var _ api.Transport = (*Transport)(nil)

// NewTransport creates an empty fake transport.
func NewTransport() *Transport { return &Transport{} }

// BufAlloc implements api.Transport.
func (t *Transport) BufAlloc(length int) (api.Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return api.Buffer{}, api.ErrTransportClosed
	}
	if t.allocErr != nil {
		return api.Buffer{}, t.allocErr
	}
	return api.Buffer{Data: make([]byte, length)}, nil
}

// PostTargetDMA implements api.Transport.
func (t *Transport) PostTargetDMA(peer uint64, desc api.Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return api.ErrTransportClosed
	}
	return t.dmaErr
}

// SendMessage implements api.Transport, recording the call for later
// inspection via Sent.
func (t *Transport) SendMessage(peer uint64, hdr api.Header, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return api.ErrTransportClosed
	}
	if t.sendErr != nil {
		return t.sendErr
	}
	cp := append([]byte(nil), payload...)
	t.sent = append(t.sent, SentMessage{Peer: peer, Hdr: hdr, Payload: cp, Flags: t.flags})
	return nil
}

// SetSendFlags implements api.Transport.
func (t *Transport) SetSendFlags(flags api.SendFlags) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags = flags
}

// InitPrepareTransfer implements api.Transport, returning an IOVecs
// Descriptor when iovecs are given and a Region reference otherwise.
// Unlike transport/wire.Transport it has no small-transfer branch: length
// is not compared against api.INLINEMAX.
func (t *Transport) InitPrepareTransfer(addr uintptr, length int, iovecs [][]byte) api.Descriptor {
	if len(iovecs) > 0 {
		return api.Descriptor{IOVecs: iovecs, Length: uint32(length)}
	}
	return api.Descriptor{Region: addr, Length: uint32(length)}
}

// TargetDataOut implements api.Transport, returning bytes staged by
// StageReply.
func (t *Transport) TargetDataOut(mlength uint32) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, api.ErrTransportClosed
	}
	if int(mlength) > len(t.staged) {
		mlength = uint32(len(t.staged))
	}
	return t.staged[:mlength], nil
}

// StageReply records the bytes the next TargetDataOut call returns.
func (t *Transport) StageReply(payload []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = payload
}

// Close implements api.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SetSendError configures SendMessage to fail with err.
func (t *Transport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// SetAllocError configures BufAlloc to fail with err.
func (t *Transport) SetAllocError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allocErr = err
}

// Sent returns every message recorded by SendMessage so far.
func (t *Transport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// ClearSent discards all recorded SendMessage calls.
func (t *Transport) ClearSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = t.sent[:0]
}
