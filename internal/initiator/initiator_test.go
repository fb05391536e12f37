package initiator

import (
	"testing"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/fake"
	"github.com/mschoenw/portals4/internal/ni"
)

func TestPutSendsFramedHeaderAndPayload(t *testing.T) {
	tr := fake.NewTransport()
	md := &ni.MD{Start: make([]byte, 16)}

	err := Put(tr, PutArgs{
		MD: md, LocalOffset: 0, Length: 4,
		Target: Target{Peer: 9, PTIndex: 1, MatchBits: 5},
		AckReq: api.AckReqAck,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("len(Sent()) = %d; want 1", len(sent))
	}
	if sent[0].Peer != 9 || sent[0].Hdr.Type != api.OpPut || sent[0].Hdr.MatchBits != 5 {
		t.Fatalf("sent[0] = %+v; unexpected framing", sent[0])
	}
	if len(sent[0].Payload) != 4 {
		t.Fatalf("len(sent[0].Payload) = %d; want 4", len(sent[0].Payload))
	}
}

func TestPutRejectsWindowOutOfRange(t *testing.T) {
	tr := fake.NewTransport()
	md := &ni.MD{Start: make([]byte, 4)}
	err := Put(tr, PutArgs{MD: md, LocalOffset: 2, Length: 4, Target: Target{Peer: 1}})
	if err != api.ErrArgInvalid {
		t.Fatalf("Put out-of-range window = %v; want ErrArgInvalid", err)
	}
}

func TestAtomicRejectsNonMultipleLength(t *testing.T) {
	tr := fake.NewTransport()
	md := &ni.MD{Start: make([]byte, 16)}
	err := Atomic(tr, AtomicArgs{
		MD: md, Length: 3, Target: Target{Peer: 1},
		Op: api.AtomicSum, Datatype: api.DTInt32,
	})
	if err != api.ErrArgInvalid {
		t.Fatalf("Atomic misaligned length = %v; want ErrArgInvalid", err)
	}
}

func TestAtomicRejectsSwapFamilyOp(t *testing.T) {
	tr := fake.NewTransport()
	md := &ni.MD{Start: make([]byte, 16)}
	err := Atomic(tr, AtomicArgs{
		MD: md, Length: 4, Target: Target{Peer: 1},
		Op: api.AtomicSwap, Datatype: api.DTInt32,
	})
	if err != api.ErrArgInvalid {
		t.Fatalf("Atomic with swap-family op = %v; want ErrArgInvalid", err)
	}
}

func TestFetchAtomicRequiresSameNI(t *testing.T) {
	tr := fake.NewTransport()
	mdA := &ni.MD{Start: make([]byte, 16), NI: 0}
	mdB := &ni.MD{Start: make([]byte, 16), NI: 1}
	err := FetchAtomic(tr, AtomicArgs{
		MD: mdA, GetMD: mdB, Length: 4, Target: Target{Peer: 1},
		Op: api.AtomicSum, Datatype: api.DTInt32,
	})
	if err != api.ErrArgInvalid {
		t.Fatalf("FetchAtomic cross-NI = %v; want ErrArgInvalid", err)
	}
}

func TestSwapAllowsSwapFamilyOp(t *testing.T) {
	tr := fake.NewTransport()
	md := &ni.MD{Start: make([]byte, 16), NI: 0}
	getMD := &ni.MD{Start: make([]byte, 16), NI: 0}
	err := Swap(tr, SwapArgs{
		MD: md, GetMD: getMD, Length: 4, Target: Target{Peer: 1},
		Op: api.AtomicCSwap, Datatype: api.DTInt32,
	})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if len(tr.Sent()) != 1 {
		t.Fatalf("len(Sent()) = %d; want 1", len(tr.Sent()))
	}
}
