// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/storage"
	"github.com/destiny/meshbus/topic"
)

// commandSeqs hands out the per-(endpoint, store) command sequence
// counter. Frontends for the same store on the same endpoint share one
// counter so the master sees a single monotonic stream per publisher.
var (
	commandSeqMu sync.Mutex
	commandSeqs  = make(map[string]*atomic.Uint64)
)

func commandSeq(ep *meshbus.Endpoint, name string) *atomic.Uint64 {
	commandSeqMu.Lock()
	defer commandSeqMu.Unlock()
	key := ep.ID().String() + "/" + name
	ctr, ok := commandSeqs[key]
	if !ok {
		ctr = &atomic.Uint64{}
		commandSeqs[key] = ctr
	}
	return ctr
}

// Frontend is the client handle on a named store. Mutations publish
// commands (or responding requests) toward the master; reads are
// request/response with the configured request timeout. A frontend works
// the same whether the master is local or remote.
type Frontend struct {
	ep   *meshbus.Endpoint
	name string
	seq  *atomic.Uint64

	sub *meshbus.Subscriber // clone topic consumer, for responses

	mu      sync.Mutex
	pending map[uint64]chan *meshbus.StoreMessage

	wg sync.WaitGroup
}

// NewFrontend opens a client handle on the named store.
func NewFrontend(ep *meshbus.Endpoint, name string) *Frontend {
	f := &Frontend{
		ep:      ep,
		name:    name,
		seq:     commandSeq(ep, name),
		sub:     ep.SubscribeWithCapacity(actorQueueCapacity, topic.CloneTopic(name)),
		pending: make(map[uint64]chan *meshbus.StoreMessage),
	}
	f.wg.Add(1)
	go f.recvLoop()
	return f
}

// Name returns the store name.
func (f *Frontend) Name() string { return f.name }

// Close releases the handle. In-flight requests fail.
func (f *Frontend) Close() {
	f.sub.Close()
	f.wg.Wait()
}

// recvLoop matches responses addressed to this endpoint against pending
// requests.
func (f *Frontend) recvLoop() {
	defer f.wg.Done()
	defer f.failPending()

	for {
		msgs := f.sub.Get(32)
		if msgs == nil {
			return
		}
		for _, msg := range msgs {
			sm := msg.Store
			if sm == nil || sm.Kind != meshbus.StoreResponse || sm.Store != f.name {
				continue
			}
			if sm.Publisher != f.ep.ID() {
				continue
			}
			f.mu.Lock()
			ch, ok := f.pending[sm.Seq]
			if ok {
				delete(f.pending, sm.Seq)
			}
			f.mu.Unlock()
			if ok {
				ch <- sm
			}
		}
	}
}

func (f *Frontend) failPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.pending {
		close(ch)
		delete(f.pending, id)
	}
}

// command publishes a fire-and-forget mutation under the next command
// sequence number.
func (f *Frontend) command(tag uint8, args data.Vector) error {
	if args == nil {
		args = data.Vector{}
	}
	return f.ep.PublishStore(&meshbus.StoreMessage{
		Kind:  meshbus.StoreCommand,
		Store: f.name,
		Seq:   f.seq.Add(1),
		Tag:   tag,
		Args:  args,
	})
}

// request publishes a request and blocks for the matching response or the
// request timeout.
func (f *Frontend) request(tag uint8, args data.Vector) (data.Vector, error) {
	if args == nil {
		args = data.Vector{}
	}
	id := f.ep.NextRequestID()
	ch := make(chan *meshbus.StoreMessage, 1)
	f.mu.Lock()
	f.pending[id] = ch
	f.mu.Unlock()

	err := f.ep.PublishStore(&meshbus.StoreMessage{
		Kind:  meshbus.StoreRequest,
		Store: f.name,
		Seq:   id,
		Tag:   tag,
		Args:  args,
	})
	if err != nil {
		f.drop(id)
		return nil, err
	}

	timer := f.ep.Clock().Timer(f.ep.Config().RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, meshbus.ErrShutdown
		}
		if err := statusErr(resp.Tag); err != nil {
			return nil, err
		}
		return resp.Args, nil
	case <-timer.C:
		f.drop(id)
		return nil, ErrRequestTimeout
	}
}

func (f *Frontend) drop(id uint64) {
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
}

// Put stores value under key. Put is total: it cannot fail semantically.
func (f *Frontend) Put(key, value data.Value, expiry data.Timestamp) error {
	return f.command(cmdPut, data.Vector{key, value, encodeExpiry(expiry)})
}

// Erase removes the entry under key. Erasing an absent key is a no-op.
func (f *Frontend) Erase(key data.Value) error {
	return f.command(cmdErase, data.Vector{key})
}

// Clear removes every entry.
func (f *Frontend) Clear() error {
	return f.command(cmdClear, nil)
}

// Add merges delta into the existing value per its type: numeric add, set
// union, or string/vector append. It fails with a type clash when the
// existing value does not admit the operation.
func (f *Frontend) Add(key, delta data.Value, expiry data.Timestamp) error {
	_, err := f.request(reqAdd, data.Vector{key, delta, encodeExpiry(expiry)})
	return err
}

// Subtract removes delta from the existing value: numeric subtract or set
// difference.
func (f *Frontend) Subtract(key, delta data.Value, expiry data.Timestamp) error {
	_, err := f.request(reqSubtract, data.Vector{key, delta, encodeExpiry(expiry)})
	return err
}

// PutUnique stores value iff key is absent, reporting success. A conflict
// is a false result, not an error.
func (f *Frontend) PutUnique(key, value data.Value, expiry data.Timestamp) (bool, error) {
	args, err := f.request(reqPutUnique, data.Vector{key, value, encodeExpiry(expiry)})
	if err != nil {
		return false, err
	}
	return boolResult(args)
}

// Expire removes the entry iff it exists, carries an expiry, and that
// expiry has passed, reporting whether it removed.
func (f *Frontend) Expire(key data.Value) (bool, error) {
	args, err := f.request(reqExpire, data.Vector{key})
	if err != nil {
		return false, err
	}
	return boolResult(args)
}

// Get returns the live value under key.
func (f *Frontend) Get(key data.Value) (data.Value, error) {
	args, err := f.request(reqGet, data.Vector{key})
	if err != nil {
		return nil, err
	}
	return oneResult(args)
}

// GetAspect performs indexed access into a container value under key:
// vectors index by number, tables by key, sets answer membership.
func (f *Frontend) GetAspect(key, aspect data.Value) (data.Value, error) {
	args, err := f.request(reqGetAspect, data.Vector{key, aspect})
	if err != nil {
		return nil, err
	}
	return oneResult(args)
}

// Exists reports whether a live entry is stored under key.
func (f *Frontend) Exists(key data.Value) (bool, error) {
	args, err := f.request(reqExists, data.Vector{key})
	if err != nil {
		return false, err
	}
	return boolResult(args)
}

// Keys returns every stored key.
func (f *Frontend) Keys() ([]data.Value, error) {
	args, err := f.request(reqKeys, nil)
	if err != nil {
		return nil, err
	}
	v, err := oneResult(args)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(data.Vector)
	if !ok {
		return nil, fmt.Errorf("store: malformed keys response")
	}
	return vec, nil
}

// Size returns the number of stored entries.
func (f *Frontend) Size() (uint64, error) {
	args, err := f.request(reqSize, nil)
	if err != nil {
		return 0, err
	}
	v, err := oneResult(args)
	if err != nil {
		return 0, err
	}
	n, ok := v.(data.Count)
	if !ok {
		return 0, fmt.Errorf("store: malformed size response")
	}
	return uint64(n), nil
}

// Snapshot returns every stored entry.
func (f *Frontend) Snapshot() ([]storage.Entry, error) {
	args, err := f.request(reqSnapshot, nil)
	if err != nil {
		return nil, err
	}
	v, err := oneResult(args)
	if err != nil {
		return nil, err
	}
	vec, ok := v.(data.Vector)
	if !ok {
		return nil, fmt.Errorf("store: malformed snapshot response")
	}
	return parseSnapshot(vec)
}

func oneResult(args data.Vector) (data.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("store: want 1 result, got %d", len(args))
	}
	return args[0], nil
}

func boolResult(args data.Vector) (bool, error) {
	v, err := oneResult(args)
	if err != nil {
		return false, err
	}
	b, ok := v.(data.Boolean)
	if !ok {
		return false, fmt.Errorf("store: result is not a boolean")
	}
	return bool(b), nil
}
