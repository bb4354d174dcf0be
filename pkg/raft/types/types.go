// Package types holds the core data model of the replicated log: indices,
// terms, clocks, log entries, votes and the external App/Storage contracts.
// Nothing in this package knows about networking or concurrency policy -
// it is pure data, shared by every other raft package.
package types

import "fmt"

// Index is a monotonically increasing log position. Index 0 means
// "before anything" and is never assigned to a real entry.
type Index uint64

// Term is a monotonic election epoch.
type Term uint64

// NodeID is an opaque, URI-like, stable identifier for a cluster member.
type NodeID string

func (n NodeID) String() string { return string(n) }

// SnapshotTag is an opaque handle to a materialized snapshot payload. The
// core never interprets it; storage backends use it as a lookup key.
type SnapshotTag string

// Clock identifies an entry's leader-assigned position and the term in
// which it was created.
type Clock struct {
	Term  Term
	Index Index
}

// ZeroClock is the clock of the (virtual) entry at index 0.
var ZeroClock = Clock{Term: 0, Index: 0}

func (c Clock) String() string {
	return fmt.Sprintf("(term=%d,index=%d)", c.Term, c.Index)
}

// IsAtLeastAsUpToDateAs implements the RequestVote "up-to-date" comparison:
// a candidate's log is at least as up-to-date as ours if it has a higher
// last term, or an equal last term and a greater-or-equal last index.
func (c Clock) IsAtLeastAsUpToDateAs(other Clock) bool {
	if c.Term != other.Term {
		return c.Term > other.Term
	}
	return c.Index >= other.Index
}

// EntryKind distinguishes an opaque application command from the engine's
// own membership-change entries, so the Command Log knows whether an
// applied entry goes to App.ProcessWrite or to the Peer Service's
// membership hook.
type EntryKind uint8

const (
	EntryKindCommand EntryKind = iota
	EntryKindConfig
)

// Entry is a single command-log record. PrevClock refers to the entry
// immediately preceding ThisClock and is used for the prefix-consistency
// check during replication.
type Entry struct {
	PrevClock Clock
	ThisClock Clock
	Kind      EntryKind
	Command   []byte
}

// Vote is the durable election state: the current term and, optionally,
// who this node voted for in that term.
type Vote struct {
	CurrentTerm Term
	VotedFor    *NodeID
}

// NewVote returns the zero-value vote: term 0, no vote cast.
func NewVote() Vote {
	return Vote{CurrentTerm: 0, VotedFor: nil}
}

func (v Vote) VotedForEquals(id NodeID) bool {
	return v.VotedFor != nil && *v.VotedFor == id
}

// Role is a node's position in the Raft state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// ReplicationProgress is the per-follower state the Peer Service tracks.
type ReplicationProgress struct {
	MatchIndex Index
	NextIndex  Index
	NextMaxCnt uint64
}

// NewReplicationProgress resets progress as of becoming leader, or after a
// peer's needed prefix was compacted away by a snapshot: match_index starts
// at 0, next_index starts where given, and the adaptive window resets to 1.
func NewReplicationProgress(nextIndex Index) ReplicationProgress {
	return ReplicationProgress{MatchIndex: 0, NextIndex: nextIndex, NextMaxCnt: 1}
}
