package grpctransport

import "github.com/AdamLeyshon/lol/pkg/raft/types"

// logStreamFrame is one message of the SendLogStream client-streaming call:
// the client sends a single header frame (Entry nil) followed by one frame
// per types.Entry, then closes the send side; the server accumulates them
// back into a types.LogStreamRequest and replies once. This is the §6
// "streamed request, unary response" shape applied to AppendEntries: large
// logs don't have to fit in one message.
type logStreamFrame struct {
	Header *types.LogStreamRequest
	Entry  *types.Entry
}

// installSnapshotFrame is the equivalent framing for InstallSnapshot: a
// header frame naming the snapshot, followed by fixed-size payload chunks.
// Grounded in sidecus-raft's rkvRPCServer.InstallSnapshot, which reads a
// snapshot the same way - a Recv loop copying chunks into a file before
// installing - the same shape, generalized here to an in-memory buffer
// since this module's snapshots are just a byte payload.
type installSnapshotFrame struct {
	Header *installSnapshotHeader
	Chunk  []byte
}

type installSnapshotHeader struct {
	Term     types.Term
	LeaderID types.NodeID
	Index    types.Index
	Tag      types.SnapshotTag
}

// snapshotChunkSize bounds how much payload a single frame carries; chosen
// well under gRPC's default 4MiB max message size.
const snapshotChunkSize = 256 * 1024
