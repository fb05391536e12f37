// ppe/dispatch.go wires the PPE's client submission queue to the
// matching engine: one Handler per opcode (SPEC_FULL.md §9's
// `ppe.dispatchTable map[wire.OpCode]ppe.Handler`, grounded on
// src/ib/p4ppe.c's opcode-keyed dispatch loop), each resolving the
// target peer through internal/conn before calling into
// internal/initiator, and deliverAndReply, the inbound counterpart that
// hands an arriving Frame to internal/match and, if a reply is owed,
// parks it on the same connection's target side.
//
// Deliberate simplification: a real Portals4 client pre-binds an MD and
// submits a handle; this PPE instead carries the local buffer bytes
// inline in the command (wire.PutCommand.Data etc.) and wraps them in an
// ephemeral ni.MD for the duration of the call. See DESIGN.md.
package ppe

import (
	"encoding/json"
	"log"

	"github.com/mschoenw/portals4/api"
	"github.com/mschoenw/portals4/internal/conn"
	"github.com/mschoenw/portals4/internal/initiator"
	"github.com/mschoenw/portals4/internal/match"
	"github.com/mschoenw/portals4/internal/ni"
	"github.com/mschoenw/portals4/internal/progress"
	"github.com/mschoenw/portals4/internal/wire"
	"github.com/mschoenw/portals4/transport/shmem"
)

// Handler processes one decoded client command.
type Handler func(payload json.RawMessage)

func (p *PPE) buildDispatchTable() map[wire.OpCode]Handler {
	return map[wire.OpCode]Handler{
		wire.OpCodePut:         p.handlePut,
		wire.OpCodeGet:         p.handleGet,
		wire.OpCodeAtomic:      p.handleAtomic,
		wire.OpCodeFetchAtomic: p.handleFetchAtomic,
		wire.OpCodeSwap:        p.handleSwap,
	}
}

// dispatch is the progress.Worker Dispatch callback: it decodes cmd's
// opcode back out of the generic progress.Command envelope and runs the
// matching Handler (spec §4.H step 2, "client submission-queue dequeue").
func (p *PPE) dispatch(cmd progress.Command) {
	h, ok := p.dispatchTable[wire.OpCode(cmd.OpCode)]
	if !ok {
		log.Printf("ppe: no handler for opcode %d", cmd.OpCode)
		return
	}
	h(json.RawMessage(cmd.Payload))
}

// resolveAndRun resolves peer to a connection via internal/conn and
// parks run on its initiator side: run executes immediately if the
// connection is already established, or once it becomes established
// otherwise (spec §4.E step 2, §4.G pending-op draining).
func (p *PPE) resolveAndRun(peer uint64, run func(tr api.Transport)) {
	tr, ok := p.transportFor(peer)
	if !ok {
		log.Printf("ppe: no transport for peer %d", peer)
		return
	}
	c := p.connMgr.Get(peer)
	c.ParkInitiator(conn.PendingOp{Run: func() { run(tr) }})
}

func (p *PPE) handlePut(payload json.RawMessage) {
	var cmd wire.PutCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("ppe: decode PutCommand: %v", err)
		return
	}
	p.resolveAndRun(cmd.Peer, func(tr api.Transport) {
		md := &ni.MD{Start: cmd.Data}
		args := initiator.PutArgs{
			MD: md, LocalOffset: 0, Length: uint32(len(cmd.Data)),
			Target: initiator.Target{Peer: cmd.Peer, PTIndex: cmd.PTIndex, MatchBits: cmd.MatchBits, DestOffset: cmd.DestOffset},
			AckReq: api.AckReq(cmd.AckReq), HdrData: cmd.HdrData, UserPtr: cmd.UserPtr,
		}
		if err := initiator.Put(tr, args); err != nil {
			log.Printf("ppe: put to peer %d failed: %v", cmd.Peer, err)
		}
	})
}

func (p *PPE) handleGet(payload json.RawMessage) {
	var cmd wire.GetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("ppe: decode GetCommand: %v", err)
		return
	}
	p.resolveAndRun(cmd.Peer, func(tr api.Transport) {
		md := &ni.MD{Start: make([]byte, cmd.Length)}
		args := initiator.GetArgs{
			MD: md, LocalOffset: 0, Length: cmd.Length,
			Target:  initiator.Target{Peer: cmd.Peer, PTIndex: cmd.PTIndex, MatchBits: cmd.MatchBits, DestOffset: cmd.DestOffset},
			UserPtr: cmd.UserPtr,
		}
		if err := initiator.Get(tr, args); err != nil {
			log.Printf("ppe: get from peer %d failed: %v", cmd.Peer, err)
		}
	})
}

func (p *PPE) handleAtomic(payload json.RawMessage) {
	var cmd wire.AtomicCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("ppe: decode AtomicCommand: %v", err)
		return
	}
	p.resolveAndRun(cmd.Peer, func(tr api.Transport) {
		md := &ni.MD{Start: cmd.Data}
		args := initiator.AtomicArgs{
			MD: md, Length: uint32(len(cmd.Data)),
			Target:   initiator.Target{Peer: cmd.Peer, PTIndex: cmd.PTIndex, MatchBits: cmd.MatchBits, DestOffset: cmd.DestOffset},
			Op:       api.AtomicOp(cmd.AtomicOp), Datatype: api.Datatype(cmd.Datatype),
			AckReq: api.AckReq(cmd.AckReq), HdrData: cmd.HdrData, UserPtr: cmd.UserPtr,
		}
		if err := initiator.Atomic(tr, args); err != nil {
			log.Printf("ppe: atomic to peer %d failed: %v", cmd.Peer, err)
		}
	})
}

func (p *PPE) handleFetchAtomic(payload json.RawMessage) {
	var cmd wire.AtomicCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("ppe: decode AtomicCommand (fetch): %v", err)
		return
	}
	p.resolveAndRun(cmd.Peer, func(tr api.Transport) {
		md := &ni.MD{Start: cmd.Data}
		getMD := &ni.MD{Start: make([]byte, len(cmd.Data))}
		args := initiator.AtomicArgs{
			MD: md, GetMD: getMD, Length: uint32(len(cmd.Data)),
			Target:   initiator.Target{Peer: cmd.Peer, PTIndex: cmd.PTIndex, MatchBits: cmd.MatchBits, DestOffset: cmd.DestOffset},
			Op:       api.AtomicOp(cmd.AtomicOp), Datatype: api.Datatype(cmd.Datatype),
			HdrData: cmd.HdrData, UserPtr: cmd.UserPtr,
		}
		if err := initiator.FetchAtomic(tr, args); err != nil {
			log.Printf("ppe: fetch-atomic to peer %d failed: %v", cmd.Peer, err)
		}
	})
}

func (p *PPE) handleSwap(payload json.RawMessage) {
	var cmd wire.SwapCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("ppe: decode SwapCommand: %v", err)
		return
	}
	p.resolveAndRun(cmd.Peer, func(tr api.Transport) {
		md := &ni.MD{Start: cmd.Data}
		getMD := &ni.MD{Start: make([]byte, len(cmd.Data))}
		args := initiator.SwapArgs{
			MD: md, GetMD: getMD, Length: uint32(len(cmd.Data)),
			Target:  initiator.Target{Peer: cmd.Peer, PTIndex: cmd.PTIndex, MatchBits: cmd.MatchBits, DestOffset: cmd.DestOffset},
			Operand: cmd.Operand, Op: api.AtomicOp(cmd.AtomicOp), Datatype: api.Datatype(cmd.Datatype),
			UserPtr: cmd.UserPtr,
		}
		if err := initiator.Swap(tr, args); err != nil {
			log.Printf("ppe: swap to peer %d failed: %v", cmd.Peer, err)
		}
	})
}

// replyType maps an initiator op to the frame type its reply carries
// (api.wire.go: "Reply frames reuse the request's Header with Type
// overwritten to OpReply").
func replyType(op api.OpKind) api.OpKind {
	switch op {
	case api.OpGet, api.OpFetchAtomic, api.OpSwap:
		return api.OpReply
	default:
		return api.OpAck
	}
}

// stager is implemented by both transport/wire.Transport and
// transport/shmem.Transport (not part of api.Transport itself, since
// only the target side of a delivery needs to stage a reply payload).
type stager interface {
	StageReply([]byte)
}

// makeRingFrameHandler returns a shmem.FrameHandler that delivers frames
// arriving on ringIdx into whichever NI is currently attached there
// (looked up dynamically, since a client may attach after Start: one
// ring is assigned per attaching process, and exactly one NI per ring),
// then replies over the same ring transport the frame arrived on.
func (p *PPE) makeRingFrameHandler(ringIdx int, tr *shmem.Transport) shmem.FrameHandler {
	return func(f shmem.Frame) {
		n := p.ringNI(ringIdx)
		if n == nil {
			return
		}
		p.deliverAndReply(n, tr, f.Hdr, f.Payload)
	}
}

// makeWireFrameHandler is the transport/wire.Transport counterpart of
// makeRingFrameHandler, for frames arriving from a remote node: since a
// wire connection can carry traffic for any locally attached NI, the
// destination is resolved from the frame's own Header.NI field rather
// than a fixed index (a simplification documented in DESIGN.md: a real
// deployment runs one PPE per primary NI, so this lookup degenerates to
// the single-NI case in practice).
func (p *PPE) makeWireFrameHandler(tr api.Transport) func(peer uint64, hdr *api.Header, payload []byte) {
	return func(peer uint64, hdr *api.Header, payload []byte) {
		n := p.niByIndex(int(hdr.NI))
		if n == nil {
			return
		}
		p.deliverAndReply(n, tr, *hdr, payload)
	}
}

// deliverAndReply hands hdr+payload to the matching engine for n, syncs
// the NI's registers into Prometheus, and -- if the matching engine
// produced a reply payload (GET/FETCHATOMIC/SWAP) -- stages and sends it
// back to hdr.Src, parked on that peer's connection target side (spec
// §4.C step g, §4.G).
func (p *PPE) deliverAndReply(n *ni.NI, tr api.Transport, hdr api.Header, payload []byte) {
	entry, err := n.PT.Get(hdr.PTIndex)
	if err != nil {
		return
	}
	res := match.Deliver(entry, &n.Regs, &hdr, payload, api.UIDAny, api.JIDAny)
	p.syncMetrics(n)

	if res.ReplyPayload == nil {
		return
	}
	if st, ok := tr.(stager); ok {
		st.StageReply(res.ReplyPayload)
	}
	replyHdr := api.Header{
		Type: replyType(hdr.Type), PTIndex: hdr.PTIndex, MatchBits: hdr.MatchBits,
		Length: uint32(len(res.ReplyPayload)), UserPtr: hdr.UserPtr,
	}
	c := p.connMgr.Get(hdr.Src)
	c.ParkTarget(conn.PendingOp{Run: func() {
		if err := tr.SendMessage(hdr.Src, replyHdr, res.ReplyPayload); err != nil {
			log.Printf("ppe: reply to %d failed: %v", hdr.Src, err)
		}
	}})
}
