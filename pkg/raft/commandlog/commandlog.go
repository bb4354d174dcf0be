// Package commandlog implements the append-only, snapshottable command log
// (spec §4.1): four monotonic pointers - snapshot_pointer, user_pointer,
// commit_pointer, last_log_index - layered over a types.Storage backend.
//
// Grounded on the narrative operations of spec §4.1 together with the
// RWMutex-guarded-map and atomic-fetch-max idioms already established in
// original_source/lol-core/src/storage/memory.rs and carried into
// pkg/raft/storage; the Log itself has no counterpart file in
// original_source (the distillation folded it into lol2's process module),
// so its Go shape follows the teacher's convention of one small struct per
// concern with exported getters over atomic fields.
package commandlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AdamLeyshon/lol/pkg/lolog"
	"github.com/AdamLeyshon/lol/pkg/metrics"
	"github.com/AdamLeyshon/lol/pkg/raft/types"
	"github.com/rs/zerolog"
)

// AppliedFunc is invoked once per entry as user_pointer advances past it.
// resp/err are the App's ProcessWrite result (err is nil when the index was
// a snapshot marker, in which case resp is also nil). Hooked in by the
// completion registry and query queue rather than imported directly, to
// keep commandlog from depending on either.
type AppliedFunc func(index types.Index, resp []byte, err error)

// Log is the Command Log (spec §4.1). The zero value is not usable; build
// one with New.
type Log struct {
	storage types.Storage
	app     types.App
	log     zerolog.Logger

	mu sync.Mutex // serializes append/truncate/insert against each other

	snapshotPointer atomic.Uint64
	userPointer     atomic.Uint64
	commitPointer   atomic.Uint64
	lastLogIndex    atomic.Uint64

	// OnApply, if set, is called from AdvanceUserPointerTo after every
	// index is applied, including snapshot markers and config entries
	// (resp is nil for those - only a completion registered against that
	// exact index, i.e. an EntryKindCommand write, does anything with it).
	OnApply AppliedFunc

	// OnConfigChange, if set, is called instead of App.ProcessWrite for an
	// EntryKindConfig entry, carrying its raw payload to the Peer Service's
	// membership hook (spec §4.7's single-server-change variant).
	OnConfigChange func(index types.Index, payload []byte)

	snapMu       sync.Mutex
	snapTag      types.SnapshotTag
	snapIndex    types.Index
	snapPayload  []byte
	haveSnapshot bool
}

// New constructs a Log over storage, recovering its pointers from whatever
// persisted state storage already holds.
func New(ctx context.Context, storage types.Storage, app types.App) (*Log, error) {
	l := &Log{
		storage: storage,
		app:     app,
		log:     lolog.WithComponent("commandlog"),
	}

	last, err := storage.GetLastIndex(ctx)
	if err != nil {
		return nil, err
	}
	l.lastLogIndex.Store(uint64(last))

	snap, err := storage.GetSnapshotIndex(ctx)
	if err != nil {
		return nil, err
	}
	l.snapshotPointer.Store(uint64(snap))
	// On recovery, nothing has been applied or committed beyond the
	// snapshot yet; the background drivers re-drive both forward.
	l.userPointer.Store(uint64(snap))
	l.commitPointer.Store(uint64(snap))

	metrics.LastLogIndex.Set(float64(last))
	metrics.SnapshotIndex.Set(float64(snap))
	return l, nil
}

// LastLogIndex returns the highest index present in storage.
func (l *Log) LastLogIndex() types.Index { return types.Index(l.lastLogIndex.Load()) }

// CommitPointer returns the highest index known replicated on a quorum.
func (l *Log) CommitPointer() types.Index { return types.Index(l.commitPointer.Load()) }

// UserPointer returns the highest index delivered to the App.
func (l *Log) UserPointer() types.Index { return types.Index(l.userPointer.Load()) }

// SnapshotPointer returns the highest index covered by an installed snapshot.
func (l *Log) SnapshotPointer() types.Index { return types.Index(l.snapshotPointer.Load()) }

// ClockAt returns the clock of the entry at i, or ZeroClock for i == 0.
func (l *Log) ClockAt(ctx context.Context, i types.Index) (types.Clock, error) {
	if i == 0 {
		return types.ZeroClock, nil
	}
	e, ok, err := l.storage.GetEntry(ctx, i)
	if err != nil {
		return types.Clock{}, err
	}
	if !ok {
		return types.Clock{}, fmt.Errorf("%w: no entry at index %d", types.ErrInvariantViolation, i)
	}
	return e.ThisClock, nil
}

// Entries returns the stored entries in [from, to).
func (l *Log) Entries(ctx context.Context, from, to types.Index) ([]types.Entry, error) {
	out := make([]types.Entry, 0, int(to-from))
	for i := from; i < to; i++ {
		e, ok, err := l.storage.GetEntry(ctx, i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: no entry at index %d", types.ErrInvariantViolation, i)
		}
		out = append(out, e)
	}
	return out, nil
}

// AppendNewEntry assigns the next index, persists cmd under the given term,
// and returns the assigned index. Leader-only; the caller is responsible for
// rejecting the call on non-leader nodes.
func (l *Log) AppendNewEntry(ctx context.Context, term types.Term, cmd []byte) (types.Index, error) {
	return l.appendEntry(ctx, term, types.EntryKindCommand, cmd)
}

// AppendConfigEntry appends a membership-change entry (spec §4.7's
// single-server AddServer/RemoveServer variant). It is applied via
// OnConfigChange rather than App.ProcessWrite once committed.
func (l *Log) AppendConfigEntry(ctx context.Context, term types.Term, payload []byte) (types.Index, error) {
	return l.appendEntry(ctx, term, types.EntryKindConfig, payload)
}

func (l *Log) appendEntry(ctx context.Context, term types.Term, kind types.EntryKind, payload []byte) (types.Index, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	last := l.LastLogIndex()
	prevClock, err := l.ClockAt(ctx, last)
	if err != nil {
		return 0, err
	}
	index := last + 1
	entry := types.Entry{
		PrevClock: prevClock,
		ThisClock: types.Clock{Term: term, Index: index},
		Kind:      kind,
		Command:   payload,
	}
	if err := l.storage.InsertEntry(ctx, index, entry); err != nil {
		return 0, err
	}
	fetchMax(&l.lastLogIndex, uint64(index))
	metrics.LastLogIndex.Set(float64(index))
	return index, nil
}

// TryInsertStream is the follower-side log merge. It rejects with
// *types.RejectedError carrying the local last_log_index as a hint if
// storage has no entry matching prevClock at prevClock.Index; otherwise it
// inserts every streamed entry via the truncation-on-conflict algorithm.
func (l *Log) TryInsertStream(ctx context.Context, prevClock types.Clock, entries []types.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevClock != types.ZeroClock {
		local, ok, err := l.storage.GetEntry(ctx, prevClock.Index)
		if err != nil {
			return err
		}
		if !ok || local.ThisClock != prevClock {
			return &types.RejectedError{LogLastIndex: l.LastLogIndex()}
		}
	}

	for _, e := range entries {
		if err := l.insertAtLocked(ctx, e.ThisClock.Index, e); err != nil {
			return err
		}
	}
	return nil
}

// insertAtLocked implements the key algorithm - truncation on conflict
// (spec §4.1): insert if absent, no-op if identical, else truncate the
// uncommitted suffix and insert. Must be called with l.mu held.
func (l *Log) insertAtLocked(ctx context.Context, i types.Index, e types.Entry) error {
	existing, ok, err := l.storage.GetEntry(ctx, i)
	if err != nil {
		return err
	}
	if ok {
		if existing.ThisClock == e.ThisClock {
			return nil
		}
		if i <= l.CommitPointer() {
			l.log.Error().Uint64("index", uint64(i)).Msg("conflicting entry at or below commit pointer")
			return fmt.Errorf("%w: conflicting entry at committed index %d", types.ErrInvariantViolation, i)
		}
		if err := l.storage.DeleteFrom(ctx, i); err != nil {
			return err
		}
	}
	if err := l.storage.InsertEntry(ctx, i, e); err != nil {
		return err
	}
	if i > l.LastLogIndex() {
		fetchMax(&l.lastLogIndex, uint64(i))
		metrics.LastLogIndex.Set(float64(i))
	}
	return nil
}

// AdvanceCommitPointer sets commit_pointer = max(commit_pointer,
// min(newCommit, last_log_index)).
func (l *Log) AdvanceCommitPointer(newCommit types.Index) {
	last := l.LastLogIndex()
	if newCommit > last {
		newCommit = last
	}
	if fetchMax(&l.commitPointer, uint64(newCommit)) {
		metrics.CommitIndex.Set(float64(newCommit))
	}
}

// AdvanceUserPointerTo delivers every entry in (user_pointer, i] to the App
// in order, advancing user_pointer after each successful apply. A
// snapshot-marker entry (one with a stored tag) is skipped rather than
// applied, since the snapshot already captures state as of that index. It
// stops and returns the App's error on the first failed apply, leaving
// user_pointer at the last successfully applied index so the next tick
// retries.
func (l *Log) AdvanceUserPointerTo(ctx context.Context, i types.Index) error {
	for {
		cur := l.UserPointer()
		if cur >= i {
			return nil
		}
		k := cur + 1

		_, isSnapshotMarker, err := l.storage.GetTag(ctx, k)
		if err != nil {
			return err
		}

		var resp []byte
		var applyErr error
		if !isSnapshotMarker {
			entry, ok, err := l.storage.GetEntry(ctx, k)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: no entry at index %d to apply", types.ErrInvariantViolation, k)
			}
			switch entry.Kind {
			case types.EntryKindConfig:
				if l.OnConfigChange != nil {
					l.OnConfigChange(k, entry.Command)
				}
			default:
				resp, applyErr = l.app.ProcessWrite(ctx, entry.Command)
				if applyErr != nil {
					l.log.Warn().Uint64("index", uint64(k)).Err(applyErr).Msg("app rejected committed entry")
					if l.OnApply != nil {
						l.OnApply(k, nil, applyErr)
					}
					return applyErr
				}
			}
		}

		if !fetchMax(&l.userPointer, uint64(k)) {
			return fmt.Errorf("%w: user_pointer moved backwards at index %d", types.ErrInvariantViolation, k)
		}
		metrics.AppliedIndex.Set(float64(k))

		if l.OnApply != nil {
			l.OnApply(k, resp, nil)
		}
	}
}

// InstallSnapshot writes a synthetic marker entry at index, stores tag, and
// bumps snapshot_pointer. When payload is non-empty the App's state is
// replaced first (the follower-side path); a leader creating its own
// snapshot from already-applied state passes an empty payload.
func (l *Log) InstallSnapshot(ctx context.Context, index types.Index, tag types.SnapshotTag, payload []byte) error {
	if len(payload) > 0 {
		if err := l.app.InstallSnapshot(ctx, payload); err != nil {
			return err
		}
	}

	marker := types.Entry{
		ThisClock: types.Clock{Term: 0, Index: index},
		Command:   nil,
	}
	if err := l.storage.InsertSnapshot(ctx, index, marker); err != nil {
		return err
	}
	if err := l.storage.PutTag(ctx, index, tag); err != nil {
		return err
	}
	fetchMax(&l.snapshotPointer, uint64(index))
	metrics.SnapshotIndex.Set(float64(index))

	if fetchMax(&l.lastLogIndex, uint64(index)) {
		metrics.LastLogIndex.Set(float64(index))
	}
	if fetchMax(&l.userPointer, uint64(index)) {
		metrics.AppliedIndex.Set(float64(index))
	}
	if fetchMax(&l.commitPointer, uint64(index)) {
		metrics.CommitIndex.Set(float64(index))
	}
	return nil
}

// CreateSnapshot captures the App's state as of user_pointer (the highest
// index already applied) and installs it as the log's own snapshot - the
// leader-initiated half of spec §3's "snapshots are created on App demand."
// The payload is cached in memory so AdvanceReplication can later forward it
// to a follower whose needed prefix this snapshot ends up compacting away;
// the cache does not survive a restart, so a node that has never run
// CreateSnapshot since it last started cannot forward one until it does,
// even if snapshot_pointer was recovered from storage.
func (l *Log) CreateSnapshot(ctx context.Context) (types.SnapshotTag, types.Index, error) {
	index := l.UserPointer()
	payload, err := l.app.SaveSnapshot(ctx)
	if err != nil {
		return "", 0, err
	}
	tag := types.SnapshotTag(fmt.Sprintf("snap-%d", index))
	if err := l.InstallSnapshot(ctx, index, tag, nil); err != nil {
		return "", 0, err
	}

	l.snapMu.Lock()
	l.snapTag, l.snapIndex, l.snapPayload, l.haveSnapshot = tag, index, payload, true
	l.snapMu.Unlock()
	return tag, index, nil
}

// SnapshotPayload returns the most recent snapshot this node has
// materialized itself via CreateSnapshot, for forwarding to a lagging
// follower. ok is false if this node has never created one.
func (l *Log) SnapshotPayload() (tag types.SnapshotTag, index types.Index, payload []byte, ok bool) {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	return l.snapTag, l.snapIndex, l.snapPayload, l.haveSnapshot
}

// DeleteOldSnapshots retains the newest tag at or below snapshot_pointer and
// deletes every older tag plus every entry below the retained index.
func (l *Log) DeleteOldSnapshots(ctx context.Context) error {
	tags, err := l.storage.ListTags(ctx)
	if err != nil {
		return err
	}

	snapPointer := l.SnapshotPointer()
	var retained types.Index
	haveRetained := false
	for _, idx := range tags {
		if idx <= snapPointer && (!haveRetained || idx > retained) {
			retained = idx
			haveRetained = true
		}
	}

	for _, idx := range tags {
		if idx < retained {
			if err := l.storage.DeleteTag(ctx, idx); err != nil {
				return err
			}
		}
	}
	if haveRetained {
		if err := l.storage.DeleteBefore(ctx, retained); err != nil {
			return err
		}
	}
	return nil
}

// fetchMax CASes a to max(a, v), returning true iff it advanced a.
func fetchMax(a *atomic.Uint64, v uint64) bool {
	for {
		cur := a.Load()
		if v <= cur {
			return false
		}
		if a.CompareAndSwap(cur, v) {
			return true
		}
	}
}
