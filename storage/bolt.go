// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/destiny/meshbus/data"
)

var boltBucket = []byte("entries")

// Bolt is the file-backed B-tree backend, built on bbolt. One file holds
// one store.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt-backed store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", ErrBackend, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating bucket: %v", ErrBackend, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(key, value data.Value, expiry data.Timestamp) error {
	return b.update(func(bk *bolt.Bucket) error {
		return bk.Put(data.Encode(key), encodeRecord(value, expiry))
	})
}

func (b *Bolt) Add(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	var out data.Value
	err := b.update(func(bk *bolt.Bucket) error {
		k := data.Encode(key)
		raw := bk.Get(k)
		if raw == nil {
			out = delta
			return bk.Put(k, encodeRecord(delta, expiry))
		}
		existing, _, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		out, err = applyAdd(existing, delta)
		if err != nil {
			return err
		}
		return bk.Put(k, encodeRecord(out, expiry))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Subtract(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	var out data.Value
	err := b.update(func(bk *bolt.Bucket) error {
		k := data.Encode(key)
		raw := bk.Get(k)
		if raw == nil {
			return ErrNoSuchKey
		}
		existing, _, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		out, err = applySubtract(existing, delta)
		if err != nil {
			return err
		}
		return bk.Put(k, encodeRecord(out, expiry))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Erase(key data.Value) error {
	return b.update(func(bk *bolt.Bucket) error {
		return bk.Delete(data.Encode(key))
	})
}

func (b *Bolt) Expire(key data.Value, now data.Timestamp) (bool, error) {
	removed := false
	err := b.update(func(bk *bolt.Bucket) error {
		k := data.Encode(key)
		raw := bk.Get(k)
		if raw == nil {
			return nil
		}
		_, expiry, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if !expired(expiry, now) {
			return nil
		}
		removed = true
		return bk.Delete(k)
	})
	return removed, err
}

func (b *Bolt) Get(key data.Value) (data.Value, data.Timestamp, error) {
	var (
		value  data.Value
		expiry data.Timestamp
	)
	err := b.view(func(bk *bolt.Bucket) error {
		raw := bk.Get(data.Encode(key))
		if raw == nil {
			return ErrNoSuchKey
		}
		var err error
		value, expiry, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return value, expiry, nil
}

func (b *Bolt) GetAspect(key, aspect data.Value) (data.Value, error) {
	value, _, err := b.Get(key)
	if err != nil {
		return nil, err
	}
	return aspectOf(value, aspect)
}

func (b *Bolt) Exists(key data.Value) (bool, error) {
	found := false
	err := b.view(func(bk *bolt.Bucket) error {
		found = bk.Get(data.Encode(key)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Size() (uint64, error) {
	var n uint64
	err := b.view(func(bk *bolt.Bucket) error {
		n = uint64(bk.Stats().KeyN)
		return nil
	})
	return n, err
}

func (b *Bolt) Snapshot() ([]Entry, error) {
	var out []Entry
	err := b.view(func(bk *bolt.Bucket) error {
		return bk.ForEach(func(k, v []byte) error {
			key, _, err := data.Decode(k)
			if err != nil {
				return err
			}
			value, expiry, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: key, Value: value, Expiry: expiry})
			return nil
		})
	})
	return out, err
}

func (b *Bolt) Keys() ([]data.Value, error) {
	var out []data.Value
	err := b.view(func(bk *bolt.Bucket) error {
		return bk.ForEach(func(k, _ []byte) error {
			key, _, err := data.Decode(k)
			if err != nil {
				return err
			}
			out = append(out, key)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) update(fn func(*bolt.Bucket) error) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(boltBucket))
	})
}

func (b *Bolt) view(fn func(*bolt.Bucket) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(boltBucket))
	})
}

var _ Backend = (*Bolt)(nil)
