package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketValues = []byte("values")
	bucketLists  = []byte("lists")
)

// BoltBackend is the secondary durable backend for deployments where the
// shared store is unreachable at startup. Slower and single-writer, but it
// keeps getRange and TTL semantics so call sites do not care which backend
// they got.
type BoltBackend struct {
	db *bolt.DB
}

type boltValue struct {
	Value    string `json:"v"`
	Deadline int64  `json:"d,omitempty"`
}

// NewBoltBackend opens (or creates) the database file.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketValues, bucketLists} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Name() string { return "bolt" }

func (b *BoltBackend) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketValues).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var v boltValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.Deadline > 0 && time.Now().Unix() >= v.Deadline {
			return nil
		}
		value, found = v.Value, true
		return nil
	})
	return value, found, err
}

func (b *BoltBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	v := boltValue{Value: value}
	if ttl > 0 {
		v.Deadline = time.Now().Add(ttl).Unix()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), raw)
	})
}

func (b *BoltBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketValues).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(bucketLists).Delete([]byte(key))
	})
}

func (b *BoltBackend) GetRange(_ context.Context, key string, count int64) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLists).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var items []string
		if err := json.Unmarshal(raw, &items); err != nil {
			return err
		}
		if count > 0 && int64(len(items)) > count {
			items = items[:count]
		}
		out = items
		return nil
	})
	return out, err
}

func (b *BoltBackend) PushCapped(_ context.Context, key, value string, limit int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketLists)
		var items []string
		if raw := bucket.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &items); err != nil {
				items = nil
			}
		}
		items = append([]string{value}, items...)
		if limit > 0 && int64(len(items)) > limit {
			items = items[:limit]
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), raw)
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
