package process

import "github.com/AdamLeyshon/lol/pkg/raft/types"

// membershipOp discriminates the two single-server membership changes the
// Non-goals keep in scope (no joint consensus).
type membershipOp uint8

const (
	membershipAdd membershipOp = iota
	membershipRemove
)

// membershipCommand is the payload carried by an EntryKindConfig entry,
// msgpack-encoded via types.Encode/types.Decode - the same codec every other
// wire/log payload in this module uses.
type membershipCommand struct {
	Op      membershipOp
	NodeID  types.NodeID
	Address string
}
