// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/destiny/meshbus/data"
)

// Badger is the LSM backend, built on badger. Suited to write-heavy
// stores with large key counts.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger-backed store at dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %q: %v", ErrBackend, dir, err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Put(key, value data.Value, expiry data.Timestamp) error {
	return b.wrap(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(data.Encode(key), encodeRecord(value, expiry))
	}))
}

func (b *Badger) Add(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	var out data.Value
	err := b.db.Update(func(txn *badger.Txn) error {
		k := data.Encode(key)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			out = delta
			return txn.Set(k, encodeRecord(delta, expiry))
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		existing, _, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		out, err = applyAdd(existing, delta)
		if err != nil {
			return err
		}
		return txn.Set(k, encodeRecord(out, expiry))
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return out, nil
}

func (b *Badger) Subtract(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	var out data.Value
	err := b.db.Update(func(txn *badger.Txn) error {
		k := data.Encode(key)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSuchKey
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		existing, _, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		out, err = applySubtract(existing, delta)
		if err != nil {
			return err
		}
		return txn.Set(k, encodeRecord(out, expiry))
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return out, nil
}

func (b *Badger) Erase(key data.Value) error {
	return b.wrap(b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(data.Encode(key))
	}))
}

func (b *Badger) Expire(key data.Value, now data.Timestamp) (bool, error) {
	removed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		k := data.Encode(key)
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		_, expiry, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if !expired(expiry, now) {
			return nil
		}
		removed = true
		return txn.Delete(k)
	})
	return removed, b.wrap(err)
}

func (b *Badger) Get(key data.Value) (data.Value, data.Timestamp, error) {
	var (
		value  data.Value
		expiry data.Timestamp
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(data.Encode(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSuchKey
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, expiry, err = decodeRecord(raw)
		return err
	})
	if err != nil {
		return nil, 0, b.wrap(err)
	}
	return value, expiry, nil
}

func (b *Badger) GetAspect(key, aspect data.Value) (data.Value, error) {
	value, _, err := b.Get(key)
	if err != nil {
		return nil, err
	}
	return aspectOf(value, aspect)
}

func (b *Badger) Exists(key data.Value) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(data.Encode(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, b.wrap(err)
}

func (b *Badger) Size() (uint64, error) {
	var n uint64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, b.wrap(err)
}

func (b *Badger) Snapshot() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, _, err := data.Decode(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value, expiry, err := decodeRecord(raw)
			if err != nil {
				return err
			}
			out = append(out, Entry{Key: key, Value: value, Expiry: expiry})
		}
		return nil
	})
	return out, b.wrap(err)
}

func (b *Badger) Keys() ([]data.Value, error) {
	var out []data.Value
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key, _, err := data.Decode(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			out = append(out, key)
		}
		return nil
	})
	return out, b.wrap(err)
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// wrap converts driver-level errors to ErrBackend, passing the package's
// own sentinels through.
func (b *Badger) wrap(err error) error {
	if err == nil || errors.Is(err, ErrNoSuchKey) || errors.Is(err, ErrTypeClash) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

var _ Backend = (*Badger)(nil)
