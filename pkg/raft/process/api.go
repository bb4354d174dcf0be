package process

import (
	"context"
	"errors"

	"github.com/AdamLeyshon/lol/pkg/raft/completion"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
)

// Write is the public client-facing write call (spec §4.7): append
// command to the Command Log under requestID's idempotency key and block
// until it has been applied. A retried requestID attaches to the existing
// completion or returns the cached outcome instead of appending twice
// (spec §4.5).
func (p *Process) Write(ctx context.Context, requestID string, command []byte) ([]byte, error) {
	if !p.voter.IsLeader() {
		return nil, &types.NotLeaderError{LeaderHint: p.voter.LeaderHint()}
	}
	if outcome, ok := p.completions.Lookup(requestID); ok {
		return outcome.Response, outcome.Err
	}
	if done, ok := p.completions.Attach(requestID); ok {
		return p.awaitCompletion(ctx, done)
	}

	index, err := p.log.AppendNewEntry(ctx, p.voter.CurrentTerm(), command)
	if err != nil {
		return nil, err
	}
	return p.awaitCompletion(ctx, p.completions.Register(requestID, index))
}

func (p *Process) awaitCompletion(ctx context.Context, done <-chan completion.Outcome) ([]byte, error) {
	select {
	case outcome := <-done:
		return outcome.Response, outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read is the public linearizable read call (spec §4.4, §4.7): capture
// commit_pointer as the read-index, confirm leadership with a majority
// heartbeat round, then wait for user_pointer to reach the read-index
// before dispatching to the App.
func (p *Process) Read(ctx context.Context, query []byte) ([]byte, error) {
	if !p.voter.IsLeader() {
		return nil, &types.NotLeaderError{LeaderHint: p.voter.LeaderHint()}
	}
	readIndex := p.log.CommitPointer()
	if !p.confirmLeadership(ctx) {
		return nil, &types.NotLeaderError{LeaderHint: p.voter.LeaderHint()}
	}

	select {
	case res, ok := <-p.queries.Register(readIndex, query):
		if !ok {
			return nil, errors.New("raft: read rejected by application")
		}
		return res.Response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AddServer and RemoveServer implement the single-server membership change
// variant the Non-goals keep in scope (no joint consensus): the change is
// proposed as an EntryKindConfig log entry and applied to the Peer
// Service's peer_contexts once committed (spec §4.7).
func (p *Process) AddServer(ctx context.Context, id types.NodeID, address string) error {
	return p.proposeMembership(ctx, membershipCommand{Op: membershipAdd, NodeID: id, Address: address})
}

func (p *Process) RemoveServer(ctx context.Context, id types.NodeID) error {
	return p.proposeMembership(ctx, membershipCommand{Op: membershipRemove, NodeID: id})
}

func (p *Process) proposeMembership(ctx context.Context, cmd membershipCommand) error {
	if !p.voter.IsLeader() {
		return &types.NotLeaderError{LeaderHint: p.voter.LeaderHint()}
	}
	payload, err := types.Encode(cmd)
	if err != nil {
		return err
	}
	index, err := p.log.AppendConfigEntry(ctx, p.voter.CurrentTerm(), payload)
	if err != nil {
		return err
	}
	select {
	case <-p.registerConfigWaiter(index):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakeSnapshot triggers an on-demand snapshot of the App's current state
// (spec §2/§3: "snapshots are created on App demand"), then garbage collects
// whatever older snapshots and log prefix the new snapshot_pointer makes
// obsolete. Any node may compact its own log this way, not only the leader;
// a leader that has run MakeSnapshot is also the only node able to forward
// that snapshot to a follower whose needed prefix later falls behind it (see
// peersvc.Service.AdvanceReplication's compacted-prefix path).
func (p *Process) MakeSnapshot(ctx context.Context) error {
	if _, _, err := p.log.CreateSnapshot(ctx); err != nil {
		return err
	}
	return p.log.DeleteOldSnapshots(ctx)
}

// HandleRequestVote implements transport.Handler.
func (p *Process) HandleRequestVote(ctx context.Context, req types.RequestVoteRequest) (types.RequestVoteReply, error) {
	lastClock, err := p.log.ClockAt(ctx, p.log.LastLogIndex())
	if err != nil {
		return types.RequestVoteReply{}, err
	}
	reply, err := p.voter.HandleRequestVote(ctx, req, lastClock)
	if err != nil {
		return types.RequestVoteReply{}, err
	}
	if reply.VoteGranted {
		p.resetElectionTimer()
	}
	return reply, nil
}

// HandleLogStream implements transport.Handler: the follower-side
// AppendEntries-equivalent.
func (p *Process) HandleLogStream(ctx context.Context, req types.LogStreamRequest) (types.LogStreamReply, error) {
	currentTerm, err := p.observeLeaderContact(ctx, req.Term, req.LeaderID)
	if err != nil {
		return types.LogStreamReply{}, err
	}
	if req.Term < currentTerm {
		return types.LogStreamReply{Term: currentTerm, Success: false, ConflictIndex: p.log.LastLogIndex()}, nil
	}

	if err := p.log.TryInsertStream(ctx, req.PrevClock, req.Entries); err != nil {
		var rejected *types.RejectedError
		if errors.As(err, &rejected) {
			return types.LogStreamReply{Term: currentTerm, Success: false, ConflictIndex: rejected.LogLastIndex}, nil
		}
		return types.LogStreamReply{}, err
	}

	p.log.AdvanceCommitPointer(req.LeaderCommit)
	return types.LogStreamReply{Term: currentTerm, Success: true}, nil
}

// HandleHeartbeat implements transport.Handler.
func (p *Process) HandleHeartbeat(ctx context.Context, req types.HeartbeatRequest) (types.HeartbeatReply, error) {
	currentTerm, err := p.observeLeaderContact(ctx, req.Term, req.LeaderID)
	if err != nil {
		return types.HeartbeatReply{}, err
	}
	if req.Term < currentTerm {
		return types.HeartbeatReply{Term: currentTerm, Success: false}, nil
	}
	p.log.AdvanceCommitPointer(req.CommitIndex)
	return types.HeartbeatReply{Term: currentTerm, Success: true}, nil
}

// HandleInstallSnapshot implements transport.Handler.
func (p *Process) HandleInstallSnapshot(ctx context.Context, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error) {
	currentTerm, err := p.observeLeaderContact(ctx, req.Term, req.LeaderID)
	if err != nil {
		return types.InstallSnapshotReply{}, err
	}
	if req.Term < currentTerm {
		return types.InstallSnapshotReply{Term: currentTerm, Success: false}, nil
	}
	if err := p.log.InstallSnapshot(ctx, req.Index, req.Tag, req.Payload); err != nil {
		return types.InstallSnapshotReply{}, err
	}
	return types.InstallSnapshotReply{Term: currentTerm, Success: true}, nil
}

// HandleWrite, HandleRead, HandleAddServer, HandleRemoveServer adapt the
// wire request/reply shapes onto the public API above, so a client landing
// on the wrong node still gets a *types.NotLeaderError it can inspect for a
// leader hint.
func (p *Process) HandleWrite(ctx context.Context, req types.WriteRequest) (types.WriteReply, error) {
	resp, err := p.Write(ctx, req.RequestID, req.Command)
	if err != nil {
		return types.WriteReply{}, err
	}
	return types.WriteReply{Response: resp}, nil
}

func (p *Process) HandleRead(ctx context.Context, req types.ReadRequest) (types.ReadReply, error) {
	resp, err := p.Read(ctx, req.Query)
	if err != nil {
		return types.ReadReply{}, err
	}
	return types.ReadReply{Response: resp}, nil
}

func (p *Process) HandleAddServer(ctx context.Context, req types.AddServerRequest) (types.MembershipReply, error) {
	if err := p.AddServer(ctx, req.NodeID, req.Address); err != nil {
		return types.MembershipReply{}, err
	}
	return types.MembershipReply{}, nil
}

func (p *Process) HandleRemoveServer(ctx context.Context, req types.RemoveServerRequest) (types.MembershipReply, error) {
	if err := p.RemoveServer(ctx, req.NodeID); err != nil {
		return types.MembershipReply{}, err
	}
	return types.MembershipReply{}, nil
}

func (p *Process) HandleMakeSnapshot(ctx context.Context, _ types.MakeSnapshotRequest) (types.MakeSnapshotReply, error) {
	if err := p.MakeSnapshot(ctx); err != nil {
		return types.MakeSnapshotReply{}, err
	}
	return types.MakeSnapshotReply{}, nil
}
