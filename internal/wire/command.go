// Client-submission-queue command encoding for the PPE (SPEC_FULL.md §9,
// "src/ib/p4ppe.c shows the PPE main dispatch loop keyed by an opcode
// enum with one handler per Portals call"). A Command is what a client
// process sends, inside a CommandRequest, over its control-socket
// connection; the PPE queues it on its in-process submission queue and
// decodes OpCode first and then the op-specific JSON payload, mirroring
// p4ppe.c's one-handler-per-opcode dispatch without fabricating a full
// client-library IDL.
package wire

import "encoding/json"

// OpCode identifies which initiator operation a Command requests.
type OpCode uint8

const (
	OpCodePut OpCode = iota + 1
	OpCodeGet
	OpCodeAtomic
	OpCodeFetchAtomic
	OpCodeSwap
)

// Command is one client-submission-queue entry.
type Command struct {
	Op      OpCode
	Payload json.RawMessage
}

// PutCommand is OpCodePut's payload.
type PutCommand struct {
	Peer       uint64
	PTIndex    uint64
	MatchBits  uint64
	DestOffset uint64
	Data       []byte
	AckReq     uint8
	HdrData    uint64
	UserPtr    uint64
}

// GetCommand is OpCodeGet's payload.
type GetCommand struct {
	Peer       uint64
	PTIndex    uint64
	MatchBits  uint64
	DestOffset uint64
	Length     uint32
	UserPtr    uint64
}

// AtomicCommand is OpCodeAtomic/OpCodeFetchAtomic's payload.
type AtomicCommand struct {
	Peer       uint64
	PTIndex    uint64
	MatchBits  uint64
	DestOffset uint64
	Data       []byte
	AtomicOp   uint8
	Datatype   uint8
	AckReq     uint8
	HdrData    uint64
	UserPtr    uint64
}

// SwapCommand is OpCodeSwap's payload.
type SwapCommand struct {
	Peer       uint64
	PTIndex    uint64
	MatchBits  uint64
	DestOffset uint64
	Data       []byte
	Operand    uint64
	AtomicOp   uint8
	Datatype   uint8
	UserPtr    uint64
}

// EncodeCommand marshals op and payload into a Command ready to push onto
// a submission queue.
func EncodeCommand(op OpCode, payload any) (Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Payload: raw}, nil
}
