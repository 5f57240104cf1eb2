// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage defines the narrow persistence interface consumed by
// store masters, plus the in-memory, B-tree file, and LSM drivers.
//
// Backends store entries keyed by the canonical encoding of the key
// value. The master owns replication and sequencing; backends must be
// idempotent under repeated identical commands.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/destiny/meshbus/data"
)

var (
	// ErrNoSuchKey reports a lookup for an absent key or aspect.
	ErrNoSuchKey = errors.New("storage: no such key")
	// ErrTypeClash reports a mutation the existing value's type does not
	// admit.
	ErrTypeClash = errors.New("storage: type clash")
	// ErrBackend wraps driver-level failures.
	ErrBackend = errors.New("storage: backend failure")
)

// NoExpiry marks an entry that never expires.
const NoExpiry data.Timestamp = 0

// Entry is one stored (key, value, expiry) triple. Expiry is absolute;
// NoExpiry means none.
type Entry struct {
	Key    data.Value
	Value  data.Value
	Expiry data.Timestamp
}

// Backend is the persistence interface a master delegates to. Every
// method is safe for concurrent use.
type Backend interface {
	// Put stores value under key, replacing any existing entry.
	Put(key, value data.Value, expiry data.Timestamp) error
	// Add merges delta into the existing value per its type (numeric
	// add, set union, string or vector append) and returns the result.
	// A missing key is initialized with the delta.
	Add(key, delta data.Value, expiry data.Timestamp) (data.Value, error)
	// Subtract removes delta from the existing value (numeric subtract,
	// set difference) and returns the result.
	Subtract(key, delta data.Value, expiry data.Timestamp) (data.Value, error)
	// Erase removes the entry under key. Erasing an absent key is a
	// no-op.
	Erase(key data.Value) error
	// Expire removes the entry iff it carries an expiry that now
	// exceeds, reporting whether it removed.
	Expire(key data.Value, now data.Timestamp) (bool, error)
	// Get returns the entry under key, expired or not. Expiry
	// visibility is the caller's responsibility: masters and clones
	// check the returned timestamp and call Expire on stale entries;
	// reading a backend directly bypasses that filtering.
	Get(key data.Value) (data.Value, data.Timestamp, error)
	// GetAspect performs indexed access into a container value.
	GetAspect(key, aspect data.Value) (data.Value, error)
	// Exists reports whether an entry is stored under key.
	Exists(key data.Value) (bool, error)
	// Size returns the number of stored entries.
	Size() (uint64, error)
	// Snapshot returns every stored entry.
	Snapshot() ([]Entry, error)
	// Keys returns every stored key.
	Keys() ([]data.Value, error)
	// Close releases driver resources.
	Close() error
}

// applyAdd merges delta into an existing value. The operation admitted
// depends on the left operand's type.
func applyAdd(existing, delta data.Value) (data.Value, error) {
	switch ev := existing.(type) {
	case data.Count:
		if d, ok := delta.(data.Count); ok {
			return ev + d, nil
		}
	case data.Integer:
		if d, ok := delta.(data.Integer); ok {
			return ev + d, nil
		}
	case data.Real:
		if d, ok := delta.(data.Real); ok {
			return ev + d, nil
		}
	case data.Timespan:
		if d, ok := delta.(data.Timespan); ok {
			return ev + d, nil
		}
	case data.String:
		if d, ok := delta.(data.String); ok {
			return ev + d, nil
		}
	case data.Set:
		if d, ok := delta.(data.Set); ok {
			return ev.Union(d), nil
		}
		return ev.With(delta), nil
	case data.Vector:
		out := make(data.Vector, len(ev), len(ev)+1)
		copy(out, ev)
		return append(out, delta), nil
	}
	return nil, fmt.Errorf("%w: cannot add %s to %s", ErrTypeClash, delta.Kind(), existing.Kind())
}

// applySubtract removes delta from an existing value.
func applySubtract(existing, delta data.Value) (data.Value, error) {
	switch ev := existing.(type) {
	case data.Count:
		if d, ok := delta.(data.Count); ok {
			return ev - d, nil
		}
	case data.Integer:
		if d, ok := delta.(data.Integer); ok {
			return ev - d, nil
		}
	case data.Real:
		if d, ok := delta.(data.Real); ok {
			return ev - d, nil
		}
	case data.Timespan:
		if d, ok := delta.(data.Timespan); ok {
			return ev - d, nil
		}
	case data.Set:
		if d, ok := delta.(data.Set); ok {
			return ev.Difference(d), nil
		}
		return ev.Without(delta), nil
	}
	return nil, fmt.Errorf("%w: cannot subtract %s from %s", ErrTypeClash, delta.Kind(), existing.Kind())
}

// aspectOf performs indexed access into a container value: vectors index
// by count or integer, tables by key, sets answer membership.
func aspectOf(value, aspect data.Value) (data.Value, error) {
	switch v := value.(type) {
	case data.Vector:
		var idx int64
		switch a := aspect.(type) {
		case data.Count:
			idx = int64(a)
		case data.Integer:
			idx = int64(a)
		default:
			return nil, fmt.Errorf("%w: vector index must be numeric, got %s", ErrTypeClash, aspect.Kind())
		}
		if idx < 0 || idx >= int64(len(v)) {
			return nil, ErrNoSuchKey
		}
		return v[idx], nil
	case data.Table:
		out, ok := v.Get(aspect)
		if !ok {
			return nil, ErrNoSuchKey
		}
		return out, nil
	case data.Set:
		return data.Boolean(v.Contains(aspect)), nil
	}
	return nil, fmt.Errorf("%w: %s has no aspects", ErrTypeClash, value.Kind())
}

// expired reports whether an entry's expiry has passed.
func expired(expiry, now data.Timestamp) bool {
	return expiry != NoExpiry && now >= expiry
}

// encodeRecord serializes (value, expiry) for the persistent drivers.
func encodeRecord(value data.Value, expiry data.Timestamp) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(expiry))
	return data.Append(out, value)
}

// decodeRecord parses a persistent driver record.
func decodeRecord(b []byte) (data.Value, data.Timestamp, error) {
	if len(b) < 8 {
		return nil, 0, fmt.Errorf("%w: record too short", ErrBackend)
	}
	expiry := data.Timestamp(binary.LittleEndian.Uint64(b))
	v, rest, err := data.Decode(b[8:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(rest) != 0 {
		return nil, 0, fmt.Errorf("%w: trailing bytes in record", ErrBackend)
	}
	return v, expiry, nil
}
