package types

import "context"

// App is the user state machine: a black-box command-applier and snapshot
// producer/consumer. The core never interprets command or query bytes; they
// are opaque payloads round-tripped through App.
type App interface {
	// ProcessWrite applies a committed command and returns a response.
	ProcessWrite(ctx context.Context, cmd []byte) ([]byte, error)

	// ProcessRead serves a read against the current applied state. It must
	// not mutate state.
	ProcessRead(ctx context.Context, query []byte) ([]byte, error)

	// InstallSnapshot replaces the App's entire state with payload.
	InstallSnapshot(ctx context.Context, payload []byte) error

	// SaveSnapshot produces a payload capturing the App's current state.
	SaveSnapshot(ctx context.Context) ([]byte, error)
}

// Storage is the persistence backend the core relies on: entries, vote,
// and snapshot tags. It is pure data - no replication or election policy
// lives here.
type Storage interface {
	InsertEntry(ctx context.Context, i Index, e Entry) error
	GetEntry(ctx context.Context, i Index) (Entry, bool, error)
	GetLastIndex(ctx context.Context) (Index, error)

	// DeleteBefore deletes entries and tags with index < i.
	DeleteBefore(ctx context.Context, i Index) error

	// DeleteFrom deletes entries with index >= i. Not named in the
	// narrative storage contract but required by the truncate-on-conflict
	// algorithm (§4.1): only uncommitted entries are ever removed this way.
	DeleteFrom(ctx context.Context, i Index) error

	// InsertSnapshot atomically writes a synthetic entry at i and bumps the
	// stored snapshot index to max(current, i).
	InsertSnapshot(ctx context.Context, i Index, e Entry) error
	GetSnapshotIndex(ctx context.Context) (Index, error)

	StoreVote(ctx context.Context, v Vote) error
	LoadVote(ctx context.Context) (Vote, error)

	PutTag(ctx context.Context, i Index, tag SnapshotTag) error
	GetTag(ctx context.Context, i Index) (SnapshotTag, bool, error)
	// ListTags returns indices with a stored tag, ascending.
	ListTags(ctx context.Context) ([]Index, error)
	DeleteTag(ctx context.Context, i Index) error
}
