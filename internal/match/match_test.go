package match

import (
	"testing"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/eq"
	"github.com/mschoenw/portals4/internal/pte"
)

func newEnabledEntry(t *testing.T, index uint64) *pte.Entry {
	t.Helper()
	tbl := pte.NewTable(4)
	eqq := eq.New(16, eq.NewNIWait())
	idx, err := tbl.Alloc(index, api.OptNone, eqq)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	e, err := tbl.Get(idx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return e
}

// TestDeliverBasicPut exercises spec §8 scenario S1: a PUT matches a
// posted priority-list LE and is copied into its window with a SEND-side
// SUCCESS ack and a PUT event queued.
func TestDeliverBasicPut(t *testing.T) {
	entry := newEnabledEntry(t, 0)
	window := make([]byte, 16)
	le := &pte.ListEntry{Start: window, Options: api.OptOpPut, UID: api.UIDAny, JID: api.JIDAny, Kind: api.ListPriority}
	entry.Priority = append(entry.Priority, le)

	var regs Registers
	hdr := &api.Header{Type: api.OpPut, DestOffset: 0, Length: 4}
	res := Deliver(entry, &regs, hdr, []byte{1, 2, 3, 4}, api.UIDAny, api.JIDAny)

	if res.Ack != api.AckSuccess {
		t.Fatalf("Ack = %v; want AckSuccess", res.Ack)
	}
	if window[0] != 1 || window[3] != 4 {
		t.Fatalf("window = %v; want payload copied at offset 0", window[:4])
	}

	ev, ok := entry.EQ.Poll()
	if !ok || ev.Type != api.EventPut {
		t.Fatalf("EQ event = %+v, %v; want EventPut", ev, ok)
	}
}

// TestDeliverNoMatchBuffers exercises spec §8 scenario S3's buffering
// half: an unmatched PUT is retained as a BufferedHeader and acked
// AckOverflow, without panicking or dropping silently.
func TestDeliverNoMatchBuffers(t *testing.T) {
	entry := newEnabledEntry(t, 0)
	var regs Registers
	hdr := &api.Header{Type: api.OpPut, MatchBits: 7, Length: 4}
	res := Deliver(entry, &regs, hdr, []byte{9, 9, 9, 9}, api.UIDAny, api.JIDAny)

	if res.Ack != api.AckOverflow {
		t.Fatalf("Ack = %v; want AckOverflow", res.Ack)
	}
	if entry.Buffered.Length() != 1 {
		t.Fatalf("Buffered.Length() = %d; want 1", entry.Buffered.Length())
	}
}

// TestAppendDrainsBufferedHeader exercises the rest of scenario S3: once a
// use-once priority ME is appended, it immediately drains the oldest
// buffered header instead of waiting for a future PUT.
func TestAppendDrainsBufferedHeader(t *testing.T) {
	entry := newEnabledEntry(t, 0)
	var regs Registers
	hdr := &api.Header{Type: api.OpPut, MatchBits: 7, Length: 4}
	Deliver(entry, &regs, hdr, []byte{1, 2, 3, 4}, api.UIDAny, api.JIDAny)

	window := make([]byte, 8)
	le := &pte.ListEntry{
		Start: window, Options: api.OptOpPut | api.OptUseOnce,
		UID: api.UIDAny, JID: api.JIDAny, Kind: api.ListPriority,
		IsME: true, MatchBits: 7, IgnoreBits: 0,
	}
	if err := Append(entry, le); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if window[0] != 1 || window[3] != 4 {
		t.Fatalf("window = %v; want drained buffered payload", window[:4])
	}
	if !le.Unlinked() {
		t.Fatal("use-once ME should be unlinked after drain")
	}
	if entry.Buffered.Length() != 0 {
		t.Fatalf("Buffered.Length() = %d; want 0 after drain", entry.Buffered.Length())
	}
}

// TestDeliverPermissionViolation exercises spec §8 scenario S4: an LE
// posted OptOpGet-only rejects an incoming PUT with AckPermViolation and
// increments the NI-level violations register.
func TestDeliverPermissionViolation(t *testing.T) {
	entry := newEnabledEntry(t, 0)
	le := &pte.ListEntry{Start: make([]byte, 8), Options: api.OptOpGet, UID: api.UIDAny, JID: api.JIDAny, Kind: api.ListPriority}
	entry.Priority = append(entry.Priority, le)

	var regs Registers
	hdr := &api.Header{Type: api.OpPut, Length: 4}
	res := Deliver(entry, &regs, hdr, []byte{1, 2, 3, 4}, api.UIDAny, api.JIDAny)

	if res.Ack != api.AckPermViolation {
		t.Fatalf("Ack = %v; want AckPermViolation", res.Ack)
	}
	if regs.PermissionsViolations.Load() != 1 {
		t.Fatalf("PermissionsViolations = %d; want 1", regs.PermissionsViolations.Load())
	}
}

// TestDeliverDisabledEntryDrops confirms a PTE that is not enabled drops
// every delivery silently and counts it.
func TestDeliverDisabledEntryDrops(t *testing.T) {
	tbl := pte.NewTable(1)
	e, _ := tbl.Get(0) // never Alloc'd: remains api.PTEUnallocated

	var regs Registers
	hdr := &api.Header{Type: api.OpPut, Length: 4}
	res := Deliver(e, &regs, hdr, []byte{1}, api.UIDAny, api.JIDAny)

	if res.Ack != api.AckSilent {
		t.Fatalf("Ack = %v; want AckSilent", res.Ack)
	}
	if regs.DropCount.Load() != 1 {
		t.Fatalf("DropCount = %d; want 1", regs.DropCount.Load())
	}
}
