package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageSuite exercises the Storage contract against any backend, per
// spec §6: "a minimal in-memory backend must pass the same property tests."
func runStorageSuite(t *testing.T, s types.Storage) {
	ctx := context.Background()

	t.Run("entry round trip", func(t *testing.T) {
		e := types.Entry{
			PrevClock: types.Clock{Term: 1, Index: 0},
			ThisClock: types.Clock{Term: 1, Index: 1},
			Command:   []byte("hello"),
		}
		require.NoError(t, s.InsertEntry(ctx, 1, e))

		got, ok, err := s.GetEntry(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e, got)

		_, ok, err = s.GetEntry(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last index tracks highest inserted", func(t *testing.T) {
		require.NoError(t, s.InsertEntry(ctx, 5, types.Entry{ThisClock: types.Clock{Term: 1, Index: 5}}))
		last, err := s.GetLastIndex(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Index(5), last)
	})

	t.Run("delete before purges entries and tags", func(t *testing.T) {
		require.NoError(t, s.InsertEntry(ctx, 2, types.Entry{ThisClock: types.Clock{Term: 1, Index: 2}}))
		require.NoError(t, s.InsertEntry(ctx, 3, types.Entry{ThisClock: types.Clock{Term: 1, Index: 3}}))
		require.NoError(t, s.PutTag(ctx, 2, "tag-2"))
		require.NoError(t, s.DeleteBefore(ctx, 3))

		_, ok, err := s.GetEntry(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.GetTag(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.GetEntry(ctx, 3)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("snapshot index is monotonic fetch-max", func(t *testing.T) {
		require.NoError(t, s.InsertSnapshot(ctx, 10, types.Entry{ThisClock: types.Clock{Term: 1, Index: 10}}))
		idx, err := s.GetSnapshotIndex(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Index(10), idx)

		require.NoError(t, s.InsertSnapshot(ctx, 4, types.Entry{ThisClock: types.Clock{Term: 1, Index: 4}}))
		idx, err = s.GetSnapshotIndex(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.Index(10), idx, "snapshot index must never move backwards")
	})

	t.Run("vote round trip", func(t *testing.T) {
		empty, err := s.LoadVote(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.NewVote(), empty)

		id := types.NodeID("node-1")
		v := types.Vote{CurrentTerm: 7, VotedFor: &id}
		require.NoError(t, s.StoreVote(ctx, v))

		got, err := s.LoadVote(ctx)
		require.NoError(t, err)
		require.NotNil(t, got.VotedFor)
		assert.Equal(t, v.CurrentTerm, got.CurrentTerm)
		assert.Equal(t, *v.VotedFor, *got.VotedFor)
	})

	t.Run("tags list ascending and delete", func(t *testing.T) {
		require.NoError(t, s.PutTag(ctx, 100, "a"))
		require.NoError(t, s.PutTag(ctx, 50, "b"))
		require.NoError(t, s.PutTag(ctx, 75, "c"))

		tags, err := s.ListTags(ctx)
		require.NoError(t, err)
		var filtered []types.Index
		for _, idx := range tags {
			if idx == 50 || idx == 75 || idx == 100 {
				filtered = append(filtered, idx)
			}
		}
		assert.Equal(t, []types.Index{50, 75, 100}, filtered)

		require.NoError(t, s.DeleteTag(ctx, 75))
		_, ok, err := s.GetTag(ctx, 75)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, NewMemory())
}

func TestBoltStorage(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBolt(filepath.Join(dir, "node.db"))
	require.NoError(t, err)
	defer b.Close()
	runStorageSuite(t, b)
}

func TestBoltStorage_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.db")
	ctx := context.Background()

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.InsertEntry(ctx, 1, types.Entry{ThisClock: types.Clock{Term: 1, Index: 1}, Command: []byte("x")}))
	require.NoError(t, b.InsertSnapshot(ctx, 1, types.Entry{ThisClock: types.Clock{Term: 1, Index: 1}}))
	require.NoError(t, b.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	b2, err := OpenBolt(path)
	require.NoError(t, err)
	defer b2.Close()

	snapIdx, err := b2.GetSnapshotIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Index(1), snapIdx)

	e, ok, err := b2.GetEntry(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), e.Command)
}
