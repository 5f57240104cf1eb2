// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store implements the replicated key/value overlay: master and
// clone replicas, the command log, and the request/response read path.
// Store traffic rides the pub/sub transport on the reserved
// broker/store/ topics.
package store

import (
	"errors"
	"fmt"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/storage"
)

// Command tags carried by STORE_COMMAND frames. Commands are
// fire-and-forget writes; mutations that need an answer (put_unique,
// expire) travel as requests instead.
const (
	cmdPut uint8 = iota + 1
	cmdAdd
	cmdSubtract
	cmdErase
	cmdClear
)

// Event tags carried by STORE_EVENT frames, the replicated outcomes of
// commands.
const (
	evUpdate uint8 = iota + 1
	evErase
	evExpire
	evClear
)

// Request tags carried by STORE_REQUEST frames.
const (
	reqGet uint8 = iota + 1
	reqGetAspect
	reqExists
	reqKeys
	reqSize
	reqPutUnique
	reqExpire
	reqSnapshot
	reqAdd
	reqSubtract
)

// Response status tags carried by STORE_RESPONSE frames.
const (
	respOK uint8 = iota
	respNoSuchKey
	respTypeClash
	respBackendFailure
)

// Errors surfaced by store operations.
var (
	ErrNoSuchKey      = storage.ErrNoSuchKey
	ErrTypeClash      = storage.ErrTypeClash
	ErrBackendFailure = storage.ErrBackend
	// ErrRequestTimeout reports that the master did not answer within
	// the request timeout.
	ErrRequestTimeout = errors.New("store: request timeout")
	// ErrStale reports a clone whose master has been silent past the
	// reconnect timeout.
	ErrStale = fmt.Errorf("%w: master unreachable", storage.ErrBackend)
)

func statusOf(err error) uint8 {
	switch {
	case err == nil:
		return respOK
	case errors.Is(err, storage.ErrNoSuchKey):
		return respNoSuchKey
	case errors.Is(err, storage.ErrTypeClash):
		return respTypeClash
	default:
		return respBackendFailure
	}
}

func statusErr(status uint8) error {
	switch status {
	case respOK:
		return nil
	case respNoSuchKey:
		return ErrNoSuchKey
	case respTypeClash:
		return ErrTypeClash
	default:
		return ErrBackendFailure
	}
}

// encodeExpiry renders an optional absolute expiry as a value: a
// timestamp, or none when absent.
func encodeExpiry(expiry data.Timestamp) data.Value {
	if expiry == storage.NoExpiry {
		return data.None{}
	}
	return expiry
}

func decodeExpiry(v data.Value) (data.Timestamp, error) {
	switch t := v.(type) {
	case data.None:
		return storage.NoExpiry, nil
	case data.Timestamp:
		return t, nil
	default:
		return 0, fmt.Errorf("store: expiry must be timestamp or none, got %s", v.Kind())
	}
}

// keyArgs validates a single-key argument vector.
func keyArgs(args data.Vector) (data.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("store: want 1 argument, got %d", len(args))
	}
	return args[0], nil
}

// mutationArgs validates a (key, value, expiry) argument vector.
func mutationArgs(args data.Vector) (data.Value, data.Value, data.Timestamp, error) {
	if len(args) != 3 {
		return nil, nil, 0, fmt.Errorf("store: want 3 arguments, got %d", len(args))
	}
	expiry, err := decodeExpiry(args[2])
	if err != nil {
		return nil, nil, 0, err
	}
	return args[0], args[1], expiry, nil
}

// snapshotArgs renders a backend snapshot as a vector of (key, value,
// expiry) triples for the snapshot response.
func snapshotArgs(entries []storage.Entry) data.Vector {
	out := make(data.Vector, 0, len(entries))
	for _, e := range entries {
		out = append(out, data.Vector{e.Key, e.Value, encodeExpiry(e.Expiry)})
	}
	return out
}

func parseSnapshot(args data.Vector) ([]storage.Entry, error) {
	out := make([]storage.Entry, 0, len(args))
	for _, raw := range args {
		triple, ok := raw.(data.Vector)
		if !ok || len(triple) != 3 {
			return nil, fmt.Errorf("store: malformed snapshot entry")
		}
		expiry, err := decodeExpiry(triple[2])
		if err != nil {
			return nil, err
		}
		out = append(out, storage.Entry{Key: triple[0], Value: triple[1], Expiry: expiry})
	}
	return out, nil
}
