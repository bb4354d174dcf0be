package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/AdamLeyshon/lol/pkg/raft/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketTags    = []byte("tags")
	bucketMeta    = []byte("meta")

	keyVote = []byte("vote")
	keySnap = []byte("snapshot_index")
)

// Bolt is a types.Storage backend over a single go.etcd.io/bbolt file: one
// on-disk file standing in for the "directory per node" persisted layout
// of spec §6, with the entry log, vote, and snapshot tags living in three
// buckets instead of three files - the common bbolt idiom for a small
// multi-concern store (the same approach hashicorp/raft-boltdb takes for
// the entry log and stable store).
type Bolt struct {
	db      *bolt.DB
	snapIdx atomic.Uint64
}

// OpenBolt opens (creating if needed) a bbolt-backed store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %v", types.ErrStorageFailure, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketTags, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", types.ErrStorageFailure, err)
	}

	b := &Bolt{db: db}
	b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keySnap); v != nil {
			b.snapIdx.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return b, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func indexKey(i types.Index) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func (b *Bolt) InsertEntry(_ context.Context, i types.Index, e types.Entry) error {
	enc, err := types.Encode(e)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put(indexKey(i), enc)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

func (b *Bolt) GetEntry(_ context.Context, i types.Index) (types.Entry, bool, error) {
	var e types.Entry
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(indexKey(i))
		if v == nil {
			return nil
		}
		found = true
		return types.Decode(v, &e)
	})
	if err != nil {
		return types.Entry{}, false, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return e, found, nil
}

func (b *Bolt) GetLastIndex(_ context.Context) (types.Index, error) {
	var last types.Index
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, _ := c.Last()
		if k != nil {
			last = types.Index(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return last, nil
}

func (b *Bolt) DeleteBefore(_ context.Context, i types.Index) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketTags} {
			bkt := tx.Bucket(name)
			c := bkt.Cursor()
			limit := indexKey(i)
			for k, _ := c.First(); k != nil && string(k) < string(limit); k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

func (b *Bolt) DeleteFrom(_ context.Context, i types.Index) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEntries)
		c := bkt.Cursor()
		start := indexKey(i)
		for k, _ := c.Seek(start); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

func (b *Bolt) InsertSnapshot(ctx context.Context, i types.Index, e types.Entry) error {
	enc, err := types.Encode(e)
	if err != nil {
		return err
	}
	// Entry and snapshot index go into one bbolt transaction so neither is
	// persisted without the other.
	var next uint64
	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(indexKey(i), enc); err != nil {
			return err
		}
		meta := tx.Bucket(bucketMeta)
		next = uint64(i)
		if cur := meta.Get(keySnap); cur != nil && binary.BigEndian.Uint64(cur) > next {
			next = binary.BigEndian.Uint64(cur)
		}
		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, next)
		return meta.Put(keySnap, v)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	fetchMaxUint64(&b.snapIdx, next)
	return nil
}

func (b *Bolt) GetSnapshotIndex(_ context.Context) (types.Index, error) {
	return types.Index(b.snapIdx.Load()), nil
}

func (b *Bolt) StoreVote(_ context.Context, v types.Vote) error {
	enc, err := types.Encode(v)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVote, enc)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

func (b *Bolt) LoadVote(_ context.Context) (types.Vote, error) {
	var v types.Vote
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyVote)
		if raw == nil {
			v = types.NewVote()
			return nil
		}
		return types.Decode(raw, &v)
	})
	if err != nil {
		return types.Vote{}, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return v, nil
}

func (b *Bolt) PutTag(_ context.Context, i types.Index, tag types.SnapshotTag) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).Put(indexKey(i), []byte(tag))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

func (b *Bolt) GetTag(_ context.Context, i types.Index) (types.SnapshotTag, bool, error) {
	var tag types.SnapshotTag
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTags).Get(indexKey(i))
		if v == nil {
			return nil
		}
		found = true
		tag = types.SnapshotTag(v)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return tag, found, nil
}

func (b *Bolt) ListTags(_ context.Context) ([]types.Index, error) {
	var out []types.Index
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).ForEach(func(k, _ []byte) error {
			out = append(out, types.Index(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return out, nil
}

func (b *Bolt) DeleteTag(_ context.Context, i types.Index) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTags).Delete(indexKey(i))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageFailure, err)
	}
	return nil
}

var _ types.Storage = (*Bolt)(nil)
