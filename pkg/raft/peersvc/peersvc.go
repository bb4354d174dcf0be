// Package peersvc implements the Peer Replication Service of spec §4.3:
// per-follower replication progress, the advance_replication algorithm, and
// the commit-index majority calculation that runs after every progress
// update.
//
// advance_replication is ported step-for-step from
// original_source/lol2/src/process/peer_svc/replication.rs, including the
// rejection backoff formula `next_index = min(next_index-1,
// log_last_index+1)` that spec §9's Open Question explicitly keeps
// verbatim rather than "fixing" its edge-case behavior.
package peersvc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/metrics"
	"github.com/AdamLeyshon/lol/pkg/raft/commandlog"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/AdamLeyshon/lol/pkg/raft/voter"
	"github.com/rs/zerolog"
)

// Transport is the leader-side outbound calls the Peer Service needs. A
// full Transport (also covering RequestVote and the client RPCs) lives in
// pkg/raft/transport; this is the narrow slice peersvc itself depends on.
type Transport interface {
	SendLogStream(ctx context.Context, peer types.NodeID, req types.LogStreamRequest) (types.LogStreamReply, error)
	InstallSnapshot(ctx context.Context, peer types.NodeID, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error)
}

type peerContext struct {
	progress types.ReplicationProgress
}

// Service is the Peer Replication Service: `peer_contexts` plus the
// algorithms that drive it.
type Service struct {
	selfID    types.NodeID
	log       *commandlog.Log
	voter     *voter.Voter
	transport Transport
	zlog      zerolog.Logger

	mu       sync.RWMutex
	contexts map[types.NodeID]*peerContext
}

func New(selfID types.NodeID, log *commandlog.Log, v *voter.Voter, transport Transport) *Service {
	return &Service{
		selfID:    selfID,
		log:       log,
		voter:     v,
		transport: transport,
		zlog:      lolog.WithNodeID(string(selfID)),
		contexts:  make(map[types.NodeID]*peerContext),
	}
}

// AddPeer registers a follower with a fresh ReplicationProgress, as if a
// new leader had just been elected (spec §4.2).
func (s *Service) AddPeer(id types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[id] = &peerContext{progress: types.NewReplicationProgress(s.log.LastLogIndex() + 1)}
}

// RemovePeer drops a follower, used on RemoveServer commit.
func (s *Service) RemovePeer(id types.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, id)
	metrics.PeerMatchIndex.DeleteLabelValues(string(id))
	metrics.PeerNextIndex.DeleteLabelValues(string(id))
}

// Peers returns the current follower set.
func (s *Service) Peers() []types.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.NodeID, 0, len(s.contexts))
	for id := range s.contexts {
		out = append(out, id)
	}
	return out
}

// Progress returns a snapshot of a follower's current replication progress.
func (s *Service) Progress(id types.NodeID) (types.ReplicationProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.contexts[id]
	if !ok {
		return types.ReplicationProgress{}, false
	}
	return pc.progress, true
}

// ResetForNewLeader re-initializes every peer's progress to {match_index:
// 0, next_index: last_log_index+1, next_max_cnt: 1}, per spec §4.2's
// Candidate-wins-election transition.
func (s *Service) ResetForNewLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.log.LastLogIndex() + 1
	for id, pc := range s.contexts {
		pc.progress = types.NewReplicationProgress(next)
		metrics.PeerMatchIndex.WithLabelValues(string(id)).Set(0)
		metrics.PeerNextIndex.WithLabelValues(string(id)).Set(float64(next))
	}
}

// AdvanceReplication drives one step of replication toward follower,
// mirroring original_source's advance_replication exactly. Apart from the
// error returns (which also report false), it returns false only when there
// is nothing to send; every other outcome (success,
// rejection, transport error, compacted-prefix reset) returns true so the
// caller's tick loop re-invokes it.
func (s *Service) AdvanceReplication(ctx context.Context, follower types.NodeID) (bool, error) {
	s.mu.RLock()
	pc, ok := s.contexts[follower]
	if !ok {
		s.mu.RUnlock()
		return false, fmt.Errorf("peersvc: unknown follower %q", follower)
	}
	oldProgress := pc.progress
	s.mu.RUnlock()

	lastLogIndex := s.log.LastLogIndex()
	if lastLogIndex < oldProgress.NextIndex {
		return false, nil
	}

	// <= rather than < the source's strict inequality: the entry this
	// follower would need at next_index-1 is gone as soon as next_index
	// reaches snapshot_pointer, not only once it falls behind it, since
	// delete_old_snapshots retains the marker entry at snapshot_pointer
	// itself but deletes everything below it. Falling through to the
	// normal entries path at next_index == snapshot_pointer would call
	// ClockAt(snapshot_pointer-1) against an already-deleted entry.
	if snapshotPointer := s.log.SnapshotPointer(); oldProgress.NextIndex <= snapshotPointer {
		return s.sendSnapshot(ctx, follower, snapshotPointer)
	}

	nMaxPossible := uint64(lastLogIndex - oldProgress.NextIndex + 1)
	n := oldProgress.NextMaxCnt
	if n > nMaxPossible {
		n = nMaxPossible
	}
	if n < 1 {
		n = 1
	}

	entries, err := s.log.Entries(ctx, oldProgress.NextIndex, oldProgress.NextIndex+types.Index(n))
	if err != nil {
		return false, err
	}
	prevClock, err := s.log.ClockAt(ctx, oldProgress.NextIndex-1)
	if err != nil {
		return false, err
	}

	req := types.LogStreamRequest{
		Term:         s.voter.CurrentTerm(),
		LeaderID:     s.selfID,
		PrevClock:    prevClock,
		Entries:      entries,
		LeaderCommit: s.log.CommitPointer(),
	}

	reply, err := s.transport.SendLogStream(ctx, follower, req)
	if err != nil {
		// Transport error: leave progress unchanged, caller retries next
		// tick (spec §4.3 step 8).
		s.zlog.Debug().Str("peer", string(follower)).Err(err).Msg("send log stream failed")
		return true, nil
	}

	if reply.Term > s.voter.CurrentTerm() {
		if _, err := s.voter.ObserveTerm(ctx, reply.Term); err != nil {
			return false, err
		}
		return true, nil
	}

	var newProgress types.ReplicationProgress
	if reply.Success {
		newProgress = types.ReplicationProgress{
			MatchIndex: oldProgress.NextIndex + types.Index(n) - 1,
			NextIndex:  oldProgress.NextIndex + types.Index(n),
			NextMaxCnt: n * 2,
		}
	} else {
		// Verbatim source formula - this can nudge next_index upward in
		// edge cases; spec §9 directs implementers to keep it as-is.
		newProgress = types.ReplicationProgress{
			MatchIndex: oldProgress.MatchIndex,
			NextIndex:  min(oldProgress.NextIndex-1, reply.ConflictIndex+1),
			NextMaxCnt: 1,
		}
		metrics.ReplicationRejectedTotal.WithLabelValues(string(follower)).Inc()
	}
	s.setProgress(follower, newProgress)

	if reply.Success {
		s.AdvanceCommitPointer()
	}
	return true, nil
}

// sendSnapshot is the continuation spec §4.3 step 3 promises: once a
// follower's compacted-prefix reset lands it at or behind snapshot_pointer,
// the only way to catch it up is an InstallSnapshot RPC carrying the
// leader's own materialized snapshot, not another entries fetch.
func (s *Service) sendSnapshot(ctx context.Context, follower types.NodeID, snapshotPointer types.Index) (bool, error) {
	tag, index, payload, ok := s.log.SnapshotPayload()
	if !ok {
		// This node has never run a snapshot of its own - snapshot_pointer
		// was most likely recovered from storage or set by a prior leader.
		// Park the follower here; the next MakeSnapshot call gives this
		// branch something to forward.
		s.zlog.Warn().Str("peer", string(follower)).Msg("no materialized snapshot available to forward to peer")
		s.setProgress(follower, types.NewReplicationProgress(snapshotPointer))
		return true, nil
	}

	req := types.InstallSnapshotRequest{
		Term:     s.voter.CurrentTerm(),
		LeaderID: s.selfID,
		Index:    index,
		Tag:      tag,
		Payload:  payload,
	}
	reply, err := s.transport.InstallSnapshot(ctx, follower, req)
	if err != nil {
		s.zlog.Debug().Str("peer", string(follower)).Err(err).Msg("install snapshot failed")
		return true, nil
	}
	if reply.Term > s.voter.CurrentTerm() {
		if _, err := s.voter.ObserveTerm(ctx, reply.Term); err != nil {
			return false, err
		}
		return true, nil
	}
	if !reply.Success {
		return true, nil
	}

	s.setProgress(follower, types.ReplicationProgress{
		MatchIndex: index,
		NextIndex:  index + 1,
		NextMaxCnt: 1,
	})
	s.AdvanceCommitPointer()
	return true, nil
}

func (s *Service) setProgress(follower types.NodeID, p types.ReplicationProgress) {
	s.mu.Lock()
	s.contexts[follower].progress = p
	s.mu.Unlock()
	metrics.PeerMatchIndex.WithLabelValues(string(follower)).Set(float64(p.MatchIndex))
	metrics.PeerNextIndex.WithLabelValues(string(follower)).Set(float64(p.NextIndex))
}

// AdvanceCommitPointer implements the commit-advance majority rule (spec
// §4.3): let M be the multiset of match_index across all peers plus the
// leader's own last_log_index; let q be the (floor(N/2)+1)-th largest. If q
// > commit_pointer and the entry at q was written in the current term,
// advance commit_pointer to q. Called after every match_index update, and
// once per replication tick regardless (the only way a single-node cluster
// with no peers - M is just {last_log_index} - ever commits at all).
func (s *Service) AdvanceCommitPointer() {
	s.mu.RLock()
	matches := make([]types.Index, 0, len(s.contexts)+1)
	for _, pc := range s.contexts {
		matches = append(matches, pc.progress.MatchIndex)
	}
	s.mu.RUnlock()
	matches = append(matches, s.log.LastLogIndex())

	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	majorityRank := len(matches) / 2 // 0-indexed (floor(N/2)+1)-th largest
	q := matches[majorityRank]

	if q <= s.log.CommitPointer() {
		return
	}
	clock, err := s.log.ClockAt(context.Background(), q)
	if err != nil {
		s.zlog.Warn().Err(err).Msg("failed to read clock while advancing commit pointer")
		return
	}
	if clock.Term != s.voter.CurrentTerm() {
		// Raft safety: never commit by counting alone an entry from an
		// earlier term.
		return
	}
	s.log.AdvanceCommitPointer(q)
}
