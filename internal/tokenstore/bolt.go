package tokenstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var bucketTokens = []byte("queuegate")

// BoltBackend persists values in a single bbolt file.
//
// A multi-key SetAll runs in one bbolt read-write transaction, so the token
// and its timestamp are never observed out of step, even after a crash.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path, creating parent
// directories as needed.
func OpenBolt(path string) (*BoltBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("tokenstore: mkdir %s: %w", dir, err)
		}
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTokens)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenstore: init bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(_ context.Context, key string) (string, error) {
	var out string
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTokens).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		out = string(v)
		return nil
	})
	return out, err
}

func (b *BoltBackend) GetAll(_ context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		for _, k := range keys {
			if v := bkt.Get([]byte(k)); v != nil {
				out[k] = string(v)
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) SetAll(_ context.Context, kv map[string]string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		for k, v := range kv {
			if err := bkt.Put([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("put %s: %w", k, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Delete(_ context.Context, keys ...string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketTokens)
		for _, k := range keys {
			if err := bkt.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying bbolt database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
