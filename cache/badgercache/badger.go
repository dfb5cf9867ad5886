// Package badgercache keeps query results in an embedded badger database. Invalidated entries
// keep their data and are flagged stale, matching the in-memory cache.
package badgercache

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/spf13/cast"

	"github.com/autom8ter/rtsync/cache"
	"github.com/autom8ter/rtsync/errors"
)

func init() {
	cache.Register("badger", func(params map[string]any) (cache.QueryCache, error) {
		return Open(cast.ToString(params["storage_path"]))
	})
}

// Cache is a badger backed cache.QueryCache
type Cache struct {
	db *badger.DB
}

var _ cache.QueryCache = (*Cache)(nil)

// Open opens the cache at storagePath. An empty path keeps everything in memory.
func Open(storagePath string) (*Cache, error) {
	opts := badger.DefaultOptions(storagePath)
	if storagePath == "" {
		opts.InMemory = true
		opts.Dir = ""
		opts.ValueDir = ""
	}
	opts = opts.WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.Unavailable, "failed to open badger")
	}
	return &Cache{db: db}, nil
}

// Get returns the entry at key
func (c *Cache) Get(ctx context.Context, key cache.Key) (cache.Entry, bool, error) {
	var (
		entry cache.Entry
		found bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key.String()))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return cache.Entry{}, false, errors.Wrap(err, errors.Internal, "failed to get %s", key)
	}
	return entry, found, nil
}

func (c *Cache) SetData(ctx context.Context, key cache.Key, value any) error {
	bits, err := json.Marshal(cache.Entry{
		Key:       key,
		Data:      value,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return errors.Wrap(err, errors.Validation, "failed to encode %s", key)
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key.String()), bits)
	}); err != nil {
		return errors.Wrap(err, errors.Internal, "failed to set %s", key)
	}
	return nil
}

func (c *Cache) RemoveData(ctx context.Context, key cache.Key) error {
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key.String()))
	}); err != nil {
		return errors.Wrap(err, errors.Internal, "failed to remove %s", key)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, keys ...cache.Key) error {
	for _, key := range keys {
		prefix := []byte(key.String())
		if err := c.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = true
			opts.PrefetchSize = 10
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()
			var updates = map[string][]byte{}
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				k := item.KeyCopy(nil)
				// items/list must not match items/listing
				if !bytes.Equal(k, prefix) && !bytes.HasPrefix(k, append(append([]byte{}, prefix...), '/')) {
					continue
				}
				var entry cache.Entry
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &entry)
				}); err != nil {
					return err
				}
				entry.Stale = true
				bits, err := json.Marshal(entry)
				if err != nil {
					return err
				}
				updates[string(k)] = bits
			}
			for k, v := range updates {
				if err := txn.Set([]byte(k), v); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return errors.Wrap(err, errors.Internal, "failed to invalidate %s", key)
		}
	}
	return nil
}

// Close closes the database
func (c *Cache) Close() error {
	return c.db.Close()
}
