package types

// Wire message shapes for the four peer RPCs and the client-facing RPCs of
// §6. These are plain Go structs (not protobuf-generated) encoded with the
// go-msgpack codec in codec.go; transport implementations are responsible
// for framing, not for message shape.

// RequestVoteRequest is sent by a candidate to every peer.
type RequestVoteRequest struct {
	Term         Term
	CandidateID  NodeID
	LastLogClock Clock
}

type RequestVoteReply struct {
	Term        Term
	VoteGranted bool
}

// LogStreamRequest is the leader's AppendEntries-equivalent: a contiguous
// run of entries (possibly empty, for a heartbeat-shaped call) plus the
// prev_clock the follower must match before accepting them.
type LogStreamRequest struct {
	Term         Term
	LeaderID     NodeID
	PrevClock    Clock
	Entries      []Entry
	LeaderCommit Index
}

// LogStreamReply reports acceptance, or rejection with the follower's
// local log_last_index as a backoff hint (spec §4.3 step 7).
type LogStreamReply struct {
	Term          Term
	Success       bool
	ConflictIndex Index
}

// HeartbeatRequest is the empty-replication keepalive of spec §4.6,
// piggybacking the leader's commit_pointer.
type HeartbeatRequest struct {
	Term        Term
	LeaderID    NodeID
	CommitIndex Index
}

type HeartbeatReply struct {
	Term    Term
	Success bool
}

// InstallSnapshotRequest carries a materialized snapshot payload to a
// follower whose needed log prefix has been compacted away.
type InstallSnapshotRequest struct {
	Term     Term
	LeaderID NodeID
	Index    Index
	Tag      SnapshotTag
	Payload  []byte
}

type InstallSnapshotReply struct {
	Term    Term
	Success bool
}

// WriteRequest is the client-facing write call. RequestID is the
// client-supplied idempotency key (spec §4.5).
type WriteRequest struct {
	RequestID string
	Command   []byte
}

type WriteReply struct {
	Response []byte
}

type ReadRequest struct {
	Query []byte
}

type ReadReply struct {
	Response []byte
}

// AddServerRequest/RemoveServerRequest implement the single-server
// membership change variant the Non-goals keep in scope (no joint
// consensus).
type AddServerRequest struct {
	NodeID  NodeID
	Address string
}

type RemoveServerRequest struct {
	NodeID NodeID
}

type MembershipReply struct{}

// MakeSnapshotRequest triggers an on-demand snapshot of the App's current
// state (spec §2/§3's admin surface). It carries no fields; a future backend
// could add options (e.g. a target index) without breaking the wire shape.
type MakeSnapshotRequest struct{}

type MakeSnapshotReply struct{}
