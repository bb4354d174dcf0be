// Package voter implements the election state machine of spec §4.2:
// Follower, Candidate, Leader, the RequestVote acceptance rule, and the
// "any message with a higher term steps us down" rule that runs through
// every RPC handler.
//
// It deliberately knows nothing about the Command Log or Peer Service -
// callers pass in the candidate's/our own last-entry clock where the
// acceptance rule needs it, per the cyclic-reference note in spec §9
// ("Peer Service holds a non-owning handle on Command Log; Command Log
// never references Peer Service directly"), generalized here to keep the
// election state machine itself free of both.
package voter

import (
	"context"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/metrics"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/rs/zerolog"
)

// Voter owns the current role, term, and vote of one node.
type Voter struct {
	storage types.Storage
	selfID  types.NodeID
	log     zerolog.Logger

	mu          sync.RWMutex
	role        types.Role
	currentTerm types.Term
	votedFor    *types.NodeID
	leaderHint  *types.NodeID
}

// New recovers a Voter's term and vote from storage. Every node starts as
// a Follower regardless of what it was before restart.
func New(ctx context.Context, storage types.Storage, selfID types.NodeID) (*Voter, error) {
	v := &Voter{
		storage: storage,
		selfID:  selfID,
		log:     lolog.WithNodeID(string(selfID)),
		role:    types.Follower,
	}
	vote, err := storage.LoadVote(ctx)
	if err != nil {
		return nil, err
	}
	v.currentTerm = vote.CurrentTerm
	v.votedFor = vote.VotedFor
	metrics.CurrentTerm.Set(float64(v.currentTerm))
	metrics.IsLeader.Set(0)
	return v, nil
}

func (v *Voter) Role() types.Role {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.role
}

func (v *Voter) CurrentTerm() types.Term {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.currentTerm
}

func (v *Voter) IsLeader() bool { return v.Role() == types.Leader }

// LeaderHint is the most recently observed leader, used to answer clients
// that land a write on the wrong node.
func (v *Voter) LeaderHint() *types.NodeID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.leaderHint
}

func (v *Voter) persistLocked(ctx context.Context) error {
	return v.storage.StoreVote(ctx, types.Vote{CurrentTerm: v.currentTerm, VotedFor: v.votedFor})
}

// ObserveTerm implements "any role sees a message carrying term >
// current_term -> step down to Follower, update term, clear voted_for"
// (spec §4.2). Returns true if it caused a step-down.
func (v *Voter) ObserveTerm(ctx context.Context, term types.Term) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if term <= v.currentTerm {
		return false, nil
	}
	v.currentTerm = term
	v.votedFor = nil
	wasLeader := v.role == types.Leader
	v.role = types.Follower
	if err := v.persistLocked(ctx); err != nil {
		return false, err
	}
	metrics.CurrentTerm.Set(float64(term))
	if wasLeader {
		metrics.IsLeader.Set(0)
	}
	v.log.Info().Uint64("term", uint64(term)).Msg("stepping down: observed higher term")
	return true, nil
}

// BecomeCandidate transitions Follower or Candidate into a new election:
// increment current_term, vote for self, persist, and return the new term
// so the caller can fan out RequestVote to every peer.
func (v *Voter) BecomeCandidate(ctx context.Context) (types.Term, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.role == types.Leader {
		return v.currentTerm, nil
	}
	v.role = types.Candidate
	v.currentTerm++
	self := v.selfID
	v.votedFor = &self
	v.leaderHint = nil
	if err := v.persistLocked(ctx); err != nil {
		return 0, err
	}
	metrics.CurrentTerm.Set(float64(v.currentTerm))
	v.log.Info().Uint64("term", uint64(v.currentTerm)).Msg("starting election")
	return v.currentTerm, nil
}

// BecomeLeader transitions a Candidate that won a quorum of votes in term
// into Leader. No-op (and refused) if the role or term has since moved on
// from the election the caller won.
func (v *Voter) BecomeLeader(term types.Term) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.role != types.Candidate || v.currentTerm != term {
		return false
	}
	v.role = types.Leader
	self := v.selfID
	v.leaderHint = &self
	metrics.IsLeader.Set(1)
	v.log.Info().Uint64("term", uint64(term)).Msg("became leader")
	return true
}

// StepDown forces Follower regardless of term, used by Process.Shutdown. A
// reply carrying a higher term goes through ObserveTerm instead.
func (v *Voter) StepDown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	wasLeader := v.role == types.Leader
	v.role = types.Follower
	if wasLeader {
		metrics.IsLeader.Set(0)
	}
}

// SetLeaderHint records who we believe the current leader is, typically
// learned from a LogStream/Heartbeat's LeaderID field.
func (v *Voter) SetLeaderHint(id types.NodeID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaderHint = &id
}

// HandleRequestVote implements the RequestVote acceptance rule (spec
// §4.2): grant iff term >= current_term AND we have not voted this term
// (or voted for the same candidate) AND the candidate's log is at least as
// up to date as ours. ourLastClock is the caller's (Command Log's) current
// last-entry clock.
func (v *Voter) HandleRequestVote(ctx context.Context, req types.RequestVoteRequest, ourLastClock types.Clock) (types.RequestVoteReply, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.Term > v.currentTerm {
		v.currentTerm = req.Term
		v.votedFor = nil
		v.role = types.Follower
	}

	if req.Term < v.currentTerm {
		return types.RequestVoteReply{Term: v.currentTerm, VoteGranted: false}, nil
	}

	alreadyVotedForOther := v.votedFor != nil && *v.votedFor != req.CandidateID
	logIsCurrent := req.LastLogClock.IsAtLeastAsUpToDateAs(ourLastClock)

	grant := !alreadyVotedForOther && logIsCurrent
	if grant {
		v.votedFor = &req.CandidateID
	}
	if err := v.persistLocked(ctx); err != nil {
		return types.RequestVoteReply{}, err
	}
	metrics.CurrentTerm.Set(float64(v.currentTerm))

	v.log.Debug().
		Str("candidate", string(req.CandidateID)).
		Bool("granted", grant).
		Msg("request vote")
	return types.RequestVoteReply{Term: v.currentTerm, VoteGranted: grant}, nil
}
