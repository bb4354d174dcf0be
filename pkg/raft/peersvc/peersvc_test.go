package peersvc

import (
	"context"
	"errors"
	"testing"

	"github.com/AdamLeyshon/lol/pkg/raft/commandlog"
	"github.com/AdamLeyshon/lol/pkg/raft/storage"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/AdamLeyshon/lol/pkg/raft/voter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApp struct{}

func (fakeApp) ProcessWrite(context.Context, []byte) ([]byte, error) { return nil, nil }
func (fakeApp) ProcessRead(context.Context, []byte) ([]byte, error)  { return nil, nil }
func (fakeApp) InstallSnapshot(context.Context, []byte) error        { return nil }
func (fakeApp) SaveSnapshot(context.Context) ([]byte, error)         { return nil, nil }

var _ types.App = fakeApp{}

// fakeTransport lets each test script a canned reply or error per call.
type fakeTransport struct {
	replies []types.LogStreamReply
	errs    []error
	calls   []types.LogStreamRequest

	snapshotReplies []types.InstallSnapshotReply
	snapshotErrs    []error
	snapshotCalls   []types.InstallSnapshotRequest
}

func (f *fakeTransport) SendLogStream(_ context.Context, _ types.NodeID, req types.LogStreamRequest) (types.LogStreamReply, error) {
	i := len(f.calls)
	f.calls = append(f.calls, req)
	var reply types.LogStreamReply
	var err error
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return reply, err
}

func (f *fakeTransport) InstallSnapshot(_ context.Context, _ types.NodeID, req types.InstallSnapshotRequest) (types.InstallSnapshotReply, error) {
	i := len(f.snapshotCalls)
	f.snapshotCalls = append(f.snapshotCalls, req)
	var reply types.InstallSnapshotReply
	var err error
	if i < len(f.snapshotReplies) {
		reply = f.snapshotReplies[i]
	}
	if i < len(f.snapshotErrs) {
		err = f.snapshotErrs[i]
	}
	return reply, err
}

func setup(t *testing.T) (*Service, *commandlog.Log, *voter.Voter, *fakeTransport) {
	t.Helper()
	ctx := context.Background()
	cl, err := commandlog.New(ctx, storage.NewMemory(), fakeApp{})
	require.NoError(t, err)
	v, err := voter.New(ctx, storage.NewMemory(), types.NodeID("leader"))
	require.NoError(t, err)
	term, err := v.BecomeCandidate(ctx)
	require.NoError(t, err)
	require.True(t, v.BecomeLeader(term))

	transport := &fakeTransport{}
	svc := New(types.NodeID("leader"), cl, v, transport)
	return svc, cl, v, transport
}

func TestAdvanceReplication_NothingToSendReturnsFalse(t *testing.T) {
	svc, _, _, _ := setup(t)
	svc.AddPeer("follower-1")

	sent, err := svc.AdvanceReplication(context.Background(), "follower-1")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestAdvanceReplication_SuccessGrowsWindowAndAdvancesMatchIndex(t *testing.T) {
	svc, cl, _, transport := setup(t)
	ctx := context.Background()

	svc.AddPeer("follower-1")
	_, err := cl.AppendNewEntry(ctx, 1, []byte("a"))
	require.NoError(t, err)
	_, err = cl.AppendNewEntry(ctx, 1, []byte("b"))
	require.NoError(t, err)

	transport.replies = []types.LogStreamReply{{Term: 1, Success: true}}

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)

	progress, ok := svc.Progress("follower-1")
	require.True(t, ok)
	assert.Equal(t, types.Index(1), progress.MatchIndex)
	assert.Equal(t, types.Index(2), progress.NextIndex)
	assert.Equal(t, uint64(2), progress.NextMaxCnt)
}

func TestAdvanceReplication_RejectionBacksOffAndResetsWindow(t *testing.T) {
	svc, cl, _, transport := setup(t)
	ctx := context.Background()

	// Register the peer while next_index is still 1, then grow the log, so
	// advance_replication has something to send.
	svc.AddPeer("follower-1")
	for i := 0; i < 5; i++ {
		_, err := cl.AppendNewEntry(ctx, 1, []byte("x"))
		require.NoError(t, err)
	}

	// Follower reports it only has up to index 1.
	transport.replies = []types.LogStreamReply{{Term: 1, Success: false, ConflictIndex: 1}}

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)

	progress, ok := svc.Progress("follower-1")
	require.True(t, ok)
	// Verbatim source formula: min(next_index-1, log_last_index+1) =
	// min(1-1, 1+1) = 0 - the Open Question's "can nudge next_index into a
	// surprising place" case, kept as-is rather than special-cased away.
	assert.Equal(t, types.Index(0), progress.NextIndex)
	assert.Equal(t, uint64(1), progress.NextMaxCnt)
}

func TestAdvanceReplication_TransportErrorLeavesProgressUnchanged(t *testing.T) {
	svc, cl, _, transport := setup(t)
	ctx := context.Background()

	svc.AddPeer("follower-1")
	_, err := cl.AppendNewEntry(ctx, 1, []byte("a"))
	require.NoError(t, err)

	before, _ := svc.Progress("follower-1")
	transport.errs = []error{errors.New("connection refused")}

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent, "caller must retry next tick")

	after, _ := svc.Progress("follower-1")
	assert.Equal(t, before, after)
}

func TestAdvanceReplication_CompactedPrefixResetsFromSnapshotPointer(t *testing.T) {
	svc, cl, _, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cl.AppendNewEntry(ctx, 1, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, cl.InstallSnapshot(ctx, 3, "tag-3", nil))

	svc.AddPeer("follower-1")
	// Force the peer's next_index behind the new snapshot pointer.
	svc.setProgress("follower-1", types.ReplicationProgress{NextIndex: 1, NextMaxCnt: 1})

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)

	progress, ok := svc.Progress("follower-1")
	require.True(t, ok)
	assert.Equal(t, types.Index(3), progress.NextIndex)
	assert.Equal(t, types.Index(0), progress.MatchIndex)
}

func TestAdvanceReplication_MaterializedSnapshotIsInstalledOnFollower(t *testing.T) {
	svc, cl, _, transport := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cl.AppendNewEntry(ctx, 1, []byte("x"))
		require.NoError(t, err)
	}
	cl.AdvanceCommitPointer(3)
	require.NoError(t, cl.AdvanceUserPointerTo(ctx, 3))
	_, _, err := cl.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, cl.DeleteOldSnapshots(ctx))

	svc.AddPeer("follower-1")
	svc.setProgress("follower-1", types.ReplicationProgress{NextIndex: 1, NextMaxCnt: 1})

	transport.snapshotReplies = []types.InstallSnapshotReply{{Term: 1, Success: true}}

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, transport.snapshotCalls, 1)
	assert.Equal(t, types.Index(3), transport.snapshotCalls[0].Index)

	progress, ok := svc.Progress("follower-1")
	require.True(t, ok)
	assert.Equal(t, types.Index(3), progress.MatchIndex)
	assert.Equal(t, types.Index(4), progress.NextIndex)

	// Regression guard for the next_index == snapshot_pointer fallthrough:
	// a second drive at the post-install progress must not touch ClockAt
	// against the now-compacted prefix.
	_, err = cl.AppendNewEntry(ctx, 1, []byte("y"))
	require.NoError(t, err)
	transport.replies = []types.LogStreamReply{{Term: 1, Success: true}}
	sent, err = svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestAdvanceReplication_CompactedPrefixWithoutMaterializedSnapshotParksProgress(t *testing.T) {
	svc, cl, _, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cl.AppendNewEntry(ctx, 1, []byte("x"))
		require.NoError(t, err)
	}
	// Installed directly (as a follower receiving a remote snapshot would),
	// so this node has no cached payload of its own to forward.
	require.NoError(t, cl.InstallSnapshot(ctx, 3, "tag-3", nil))

	svc.AddPeer("follower-1")
	svc.setProgress("follower-1", types.ReplicationProgress{NextIndex: 3, NextMaxCnt: 1})

	sent, err := svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	assert.True(t, sent)

	progress, ok := svc.Progress("follower-1")
	require.True(t, ok)
	assert.Equal(t, types.Index(3), progress.NextIndex)
}

func TestAdvanceReplication_MajorityCommitRespectsTermGuard(t *testing.T) {
	svc, cl, v, transport := setup(t)
	ctx := context.Background()

	svc.AddPeer("follower-1")
	svc.AddPeer("follower-2")
	_, err := cl.AppendNewEntry(ctx, v.CurrentTerm(), []byte("a"))
	require.NoError(t, err)

	transport.replies = []types.LogStreamReply{{Term: v.CurrentTerm(), Success: true}}

	_, err = svc.AdvanceReplication(ctx, "follower-1")
	require.NoError(t, err)
	// Leader (1) + follower-1 (1) out of 3 member slots (leader + 2
	// followers) is a majority (2 of 3).
	assert.Equal(t, types.Index(1), cl.CommitPointer())
}
