package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/boltdb/bolt"

	"switchline/internal/storeerr"
)

const entityBolt = "bolt"

var hashesBucket = []byte("hashes")

// BoltCache is an embedded single-node cache. Fields are stored under "key\x00field" in one
// bucket; bolt's single writer makes set-if-absent atomic.
type BoltCache struct {
	db *bolt.DB
}

func OpenBolt(file string) (*BoltCache, error) {
	db, err := bolt.Open(file, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storeerr.Connection(entityBolt, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, storeerr.Other(entityBolt, err)
	}
	return &BoltCache{db: db}, nil
}

func fieldKey(key, field string) []byte {
	return []byte(key + "\x00" + field)
}

func (c *BoltCache) SetFieldIfAbsent(ctx context.Context, key, field string, value []byte) (bool, error) {
	// bolt cannot be interrupted mid-transaction, so fail fast before starting one
	if err := ctx.Err(); err != nil {
		return false, storeerr.Connection(entityBolt, err)
	}
	set := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hashesBucket)
		k := fieldKey(key, field)
		if b.Get(k) != nil {
			return nil
		}
		set = true
		return b.Put(k, value)
	})
	if err != nil {
		return false, mapBoltError(fmt.Errorf("set %s/%s: %w", key, field, err))
	}
	return set, nil
}

func (c *BoltCache) SetField(ctx context.Context, key, field string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return storeerr.Connection(entityBolt, err)
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hashesBucket).Put(fieldKey(key, field), value)
	})
	if err != nil {
		return mapBoltError(fmt.Errorf("set %s/%s: %w", key, field, err))
	}
	return nil
}

func (c *BoltCache) GetField(ctx context.Context, key, field string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeerr.Connection(entityBolt, err)
	}
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(hashesBucket).Get(fieldKey(key, field)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, mapBoltError(err)
	}
	if out == nil {
		return nil, storeerr.NotFound(entityBolt, key+"/"+field)
	}
	return out, nil
}

func (c *BoltCache) DeleteField(ctx context.Context, key, field string) error {
	if err := ctx.Err(); err != nil {
		return storeerr.Connection(entityBolt, err)
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(hashesBucket).Delete(fieldKey(key, field))
	})
	if err != nil {
		return mapBoltError(fmt.Errorf("delete %s/%s: %w", key, field, err))
	}
	return nil
}

func (c *BoltCache) ScanFields(ctx context.Context, key, pattern string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeerr.Connection(entityBolt, err)
	}
	var values [][]byte
	prefix := []byte(key + "\x00")
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(hashesBucket).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			ok, err := path.Match(pattern, string(k[len(prefix):]))
			if err != nil {
				return fmt.Errorf("bad pattern %q: %w", pattern, err)
			}
			if ok {
				values = append(values, append([]byte(nil), v...))
			}
		}
		return nil
	})
	if err != nil {
		return nil, mapBoltError(err)
	}
	return values, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}

// mapBoltError reports a closed database or a lock timeout as a connection failure, which
// callers may retry. Everything else is Other.
func mapBoltError(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storeerr.Connection(entityBolt, err)
	}
	return storeerr.Other(entityBolt, err)
}
