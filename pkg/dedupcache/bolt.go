package dedupcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaelstrom/pixelsync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltCache is the default, disk-backed dedup cache. Each collection
// gets its own bucket so Clear can drop a whole collection's entries
// in one bucket-delete rather than an iterate-and-remove.
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (creating if necessary) a bbolt database at path.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("dedupcache: open %s: %w", path, err)
	}
	return &BoltCache{db: db}, nil
}

func bucketName(collection string) []byte {
	return []byte("collection:" + collection)
}

// Get implements Cache.
func (c *BoltCache) Get(_ context.Context, collection, hash string) (types.DedupCacheEntry, error) {
	var entry types.DedupCacheEntry
	found := false

	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName(collection))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(hash))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return types.DedupCacheEntry{}, fmt.Errorf("dedupcache: get %s: %w", key(collection, hash), err)
	}
	if !found {
		return types.DedupCacheEntry{}, ErrNotFound
	}
	return entry, nil
}

// Put implements Cache. The write is atomic at the key level because
// bbolt commits the whole Update transaction or none of it.
func (c *BoltCache) Put(_ context.Context, collection, hash string, entry types.DedupCacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dedupcache: encode entry: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(collection))
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), raw)
	})
	if err != nil {
		return fmt.Errorf("dedupcache: put %s: %w", key(collection, hash), err)
	}
	return nil
}

// Clear implements Cache.
func (c *BoltCache) Clear(_ context.Context, collection string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketName(collection)) == nil {
			return nil
		}
		return tx.DeleteBucket(bucketName(collection))
	})
	if err != nil {
		return fmt.Errorf("dedupcache: clear %s: %w", collection, err)
	}
	return nil
}

// Close implements Cache.
func (c *BoltCache) Close() error {
	return c.db.Close()
}
