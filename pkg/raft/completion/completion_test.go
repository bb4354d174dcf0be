package completion

import (
	"testing"
	"time"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterThenComplete_FulfillsCompletionAndCachesResponse(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	done := r.Register("req-1", 5)
	r.Complete(5, []byte("ok"), nil)

	select {
	case outcome := <-done:
		assert.Equal(t, []byte("ok"), outcome.Response)
		assert.NoError(t, outcome.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	cached, ok := r.Lookup("req-1")
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), cached.Response)
}

func TestAttach_DedupsConcurrentRetryBeforeApply(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)

	original := r.Register("req-1", 5)

	attached, ok := r.Attach("req-1")
	require.True(t, ok, "a retry seen before apply must attach instead of registering fresh")

	r.Complete(5, []byte("applied"), nil)

	out1 := <-original
	out2 := <-attached
	assert.Equal(t, out1, out2)
}

func TestLookup_MissOnUnknownRequestID(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	_, ok := r.Lookup("never-seen")
	assert.False(t, ok)
}

func TestComplete_IgnoresUnknownIndex(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	// Must not panic when an applied index has no registered completion
	// (e.g. an internal membership-change entry).
	r.Complete(types.Index(99), []byte("x"), nil)
}

func TestSweep_EvictsOnlyExpiredEntries(t *testing.T) {
	r, err := New(Config{TTL: time.Millisecond})
	require.NoError(t, err)

	r.Register("req-1", 1)
	r.Complete(1, []byte("a"), nil)

	time.Sleep(5 * time.Millisecond)

	evicted := r.Sweep()
	assert.Equal(t, 1, evicted)

	_, ok := r.Lookup("req-1")
	assert.False(t, ok)
}

func TestCacheSize_EvictsLeastRecentlyUsedAndCleansInsertedAt(t *testing.T) {
	r, err := New(Config{CacheSize: 1})
	require.NoError(t, err)

	r.Register("req-1", 1)
	r.Complete(1, []byte("a"), nil)

	r.Register("req-2", 2)
	r.Complete(2, []byte("b"), nil)

	_, ok := r.Lookup("req-1")
	assert.False(t, ok, "size-bounded LRU must evict the oldest entry")
	assert.NotContains(t, r.insertedAt, "req-1", "eviction must drop the evicted id's insertedAt entry")

	_, ok = r.Lookup("req-2")
	assert.True(t, ok)
}
