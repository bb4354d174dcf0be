// Package storage provides the persistence backends that satisfy
// types.Storage: an in-memory map-based store for tests and property
// checks, and a bbolt-backed store for real nodes.
//
// Grounded on original_source/lol-core/src/storage/memory.rs: the same
// BTreeMap-of-entries/tags plus fetch-max snapshot index shape, translated
// to Go's sync.RWMutex + plain maps and atomic.Uint64.
package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
)

// Memory is an in-memory types.Storage implementation. It is the backend
// the spec requires property tests to also pass against.
type Memory struct {
	mu      sync.RWMutex
	entries map[types.Index]types.Entry
	tags    map[types.Index]types.SnapshotTag
	voteMu  sync.Mutex
	vote    types.Vote
	snapIdx atomic.Uint64
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[types.Index]types.Entry),
		tags:    make(map[types.Index]types.SnapshotTag),
		vote:    types.NewVote(),
	}
}

func (m *Memory) InsertEntry(_ context.Context, i types.Index, e types.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[i] = e
	return nil
}

func (m *Memory) GetEntry(_ context.Context, i types.Index) (types.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[i]
	return e, ok, nil
}

func (m *Memory) GetLastIndex(_ context.Context) (types.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last types.Index
	for idx := range m.entries {
		if idx > last {
			last = idx
		}
	}
	return last, nil
}

func (m *Memory) DeleteBefore(_ context.Context, i types.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.entries {
		if idx < i {
			delete(m.entries, idx)
		}
	}
	for idx := range m.tags {
		if idx < i {
			delete(m.tags, idx)
		}
	}
	return nil
}

func (m *Memory) DeleteFrom(_ context.Context, i types.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.entries {
		if idx >= i {
			delete(m.entries, idx)
		}
	}
	return nil
}

func (m *Memory) InsertSnapshot(_ context.Context, i types.Index, e types.Entry) error {
	m.mu.Lock()
	m.entries[i] = e
	fetchMaxUint64(&m.snapIdx, uint64(i))
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetSnapshotIndex(_ context.Context) (types.Index, error) {
	return types.Index(m.snapIdx.Load()), nil
}

func (m *Memory) StoreVote(_ context.Context, v types.Vote) error {
	m.voteMu.Lock()
	defer m.voteMu.Unlock()
	m.vote = v
	return nil
}

func (m *Memory) LoadVote(_ context.Context) (types.Vote, error) {
	m.voteMu.Lock()
	defer m.voteMu.Unlock()
	return m.vote, nil
}

func (m *Memory) PutTag(_ context.Context, i types.Index, tag types.SnapshotTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[i] = tag
	return nil
}

func (m *Memory) GetTag(_ context.Context, i types.Index) (types.SnapshotTag, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[i]
	return t, ok, nil
}

func (m *Memory) ListTags(_ context.Context) ([]types.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Index, 0, len(m.tags))
	for idx := range m.tags {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) DeleteTag(_ context.Context, i types.Index) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags, i)
	return nil
}

// fetchMaxUint64 preserves monotonicity under concurrent writers, per the
// "atomic fetch-max" rule §5 places on every monotonic pointer.
func fetchMaxUint64(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

var _ types.Storage = (*Memory)(nil)
