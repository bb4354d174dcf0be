// Package transport defines the node-to-node and client-to-node RPC surface
// (spec §6): four peer RPCs (RequestVote, SendLogStream, Heartbeat,
// InstallSnapshot) plus the client-facing Write/Read and the two admin
// membership calls. Transport is the leader/candidate-side outbound caller;
// Handler is the inbound processor, implemented by process.Process.
//
// Concrete implementations live in transport/grpctransport (real network,
// §4.8) and transport/inproc (loopback, used only by tests).
package transport

import (
	"context"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
)

// Transport is every outbound call a node needs to make against a peer,
// addressed by types.NodeID. Implementations own their own address book.
type Transport interface {
	RequestVote(ctx context.Context, peer types.NodeID, req types.RequestVoteRequest) (types.RequestVoteReply, error)
	SendLogStream(ctx context.Context, peer types.NodeID, req types.LogStreamRequest) (types.LogStreamReply, error)
	Heartbeat(ctx context.Context, peer types.NodeID, req types.HeartbeatRequest) (types.HeartbeatReply, error)
	InstallSnapshot(ctx context.Context, peer types.NodeID, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error)

	// Write, Read and the admin calls deliver a client's call to the node
	// peer (the CLI client uses them). The engine itself never forwards a
	// client call: a non-leader answers with *types.NotLeaderError.
	Write(ctx context.Context, peer types.NodeID, req types.WriteRequest) (types.WriteReply, error)
	Read(ctx context.Context, peer types.NodeID, req types.ReadRequest) (types.ReadReply, error)
	AddServer(ctx context.Context, peer types.NodeID, req types.AddServerRequest) (types.MembershipReply, error)
	RemoveServer(ctx context.Context, peer types.NodeID, req types.RemoveServerRequest) (types.MembershipReply, error)
	MakeSnapshot(ctx context.Context, peer types.NodeID, req types.MakeSnapshotRequest) (types.MakeSnapshotReply, error)
}

// Handler is the inbound side of every RPC Transport exposes, implemented by
// process.Process and driven by a concrete server (grpctransport.Server or
// inproc's direct call-through).
type Handler interface {
	HandleRequestVote(ctx context.Context, req types.RequestVoteRequest) (types.RequestVoteReply, error)
	HandleLogStream(ctx context.Context, req types.LogStreamRequest) (types.LogStreamReply, error)
	HandleHeartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatReply, error)
	HandleInstallSnapshot(ctx context.Context, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error)
	HandleWrite(ctx context.Context, req types.WriteRequest) (types.WriteReply, error)
	HandleRead(ctx context.Context, req types.ReadRequest) (types.ReadReply, error)
	HandleAddServer(ctx context.Context, req types.AddServerRequest) (types.MembershipReply, error)
	HandleRemoveServer(ctx context.Context, req types.RemoveServerRequest) (types.MembershipReply, error)
	HandleMakeSnapshot(ctx context.Context, req types.MakeSnapshotRequest) (types.MakeSnapshotReply, error)
}
