// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/storage"
	"github.com/destiny/meshbus/topic"
)

// expirySweepInterval paces the background scan for expired entries.
const expirySweepInterval = time.Second

// actorQueueCapacity sizes the store actors' subscriber queues; command
// bursts well beyond the endpoint default must not shed.
const actorQueueCapacity = 1024

// Master is the authoritative replica of a named store. It consumes
// commands and requests from the master topic, applies them to its
// backend under a per-store mutex, and publishes the outcomes as events
// on the clone topic.
type Master struct {
	ep      *meshbus.Endpoint
	name    string
	backend storage.Backend
	log     *meshbus.Logger

	sub *meshbus.Subscriber // master topic consumer

	mu       sync.Mutex           // serializes applies
	seqSeen  map[uuid.UUID]uint64 // per-publisher command sequence high-water marks
	eventSeq atomic.Uint64        // master-originated event sequence

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaster attaches the master of the named store to an endpoint. A nil
// backend selects the in-memory driver. Exactly one endpoint must master
// a given store name.
func NewMaster(ep *meshbus.Endpoint, name string, backend storage.Backend) *Master {
	if backend == nil {
		backend = storage.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		ep:      ep,
		name:    name,
		backend: backend,
		log:     ep.Logger().Named("master." + name),
		sub:     ep.SubscribeWithCapacity(actorQueueCapacity, topic.MasterTopic(name)),
		seqSeen: make(map[uuid.UUID]uint64),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.wg.Add(1)
	go m.loop()
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Name returns the store name.
func (m *Master) Name() string { return m.name }

// Close detaches the master and closes its backend.
func (m *Master) Close() error {
	m.cancel()
	m.sub.Close()
	m.wg.Wait()
	return m.backend.Close()
}

// loop consumes the master topic: commands mutate, requests answer.
func (m *Master) loop() {
	defer m.wg.Done()

	for {
		msgs := m.sub.Get(32)
		if msgs == nil {
			return
		}
		for _, msg := range msgs {
			sm := msg.Store
			if sm == nil || sm.Store != m.name {
				continue
			}
			switch sm.Kind {
			case meshbus.StoreCommand:
				m.applyCommand(sm)
			case meshbus.StoreRequest:
				m.handleRequest(sm)
			}
		}
	}
}

// sweepLoop lazily removes expired entries in the background, emitting an
// expire event for each removal.
func (m *Master) sweepLoop() {
	defer m.wg.Done()

	ticker := m.ep.Clock().Ticker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Master) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := data.TimestampFrom(m.ep.Clock().Now())
	entries, err := m.backend.Snapshot()
	if err != nil {
		m.log.Warn("expiry sweep: snapshot failed: %v", err)
		return
	}
	for _, e := range entries {
		if e.Expiry == storage.NoExpiry || now < e.Expiry {
			continue
		}
		removed, err := m.backend.Expire(e.Key, now)
		if err != nil {
			m.log.Warn("expiry sweep: %v", err)
			continue
		}
		if removed {
			m.publishMasterEvent(evExpire, data.Vector{e.Key})
		}
	}
}

// applyCommand applies a fire-and-forget mutation. Non-increasing
// sequence numbers from the same publisher are dropped, which makes
// command replay after a reconnection harmless.
func (m *Master) applyCommand(sm *meshbus.StoreMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.seqSeen[sm.Publisher]; ok && sm.Seq <= last {
		return
	}
	m.seqSeen[sm.Publisher] = sm.Seq

	switch sm.Tag {
	case cmdPut:
		key, value, expiry, err := mutationArgs(sm.Args)
		if err != nil {
			m.log.Warn("put: %v", err)
			return
		}
		if err := m.backend.Put(key, value, expiry); err != nil {
			m.log.Warn("put: %v", err)
			return
		}
		m.publishEvent(sm.Publisher, sm.Seq, evUpdate, data.Vector{key, value, encodeExpiry(expiry)})
	case cmdAdd, cmdSubtract:
		key, delta, expiry, err := mutationArgs(sm.Args)
		if err != nil {
			m.log.Warn("add/subtract: %v", err)
			return
		}
		var out data.Value
		if sm.Tag == cmdAdd {
			out, err = m.backend.Add(key, delta, expiry)
		} else {
			out, err = m.backend.Subtract(key, delta, expiry)
		}
		if err != nil {
			// fire-and-forget semantic failure leaves a sequence gap;
			// clones resolve it with a snapshot re-fetch
			m.log.Warn("add/subtract: %v", err)
			return
		}
		m.publishEvent(sm.Publisher, sm.Seq, evUpdate, data.Vector{key, out, encodeExpiry(expiry)})
	case cmdErase:
		key, err := keyArgs(sm.Args)
		if err != nil {
			m.log.Warn("erase: %v", err)
			return
		}
		if err := m.backend.Erase(key); err != nil {
			m.log.Warn("erase: %v", err)
			return
		}
		m.publishEvent(sm.Publisher, sm.Seq, evErase, data.Vector{key})
	case cmdClear:
		if err := m.clearLocked(); err != nil {
			m.log.Warn("clear: %v", err)
			return
		}
		m.publishEvent(sm.Publisher, sm.Seq, evClear, nil)
	default:
		m.log.Warn("unknown command tag %d from %s", sm.Tag, sm.Publisher)
	}
}

// clearLocked erases every entry; the backend interface is deliberately
// narrow, so clear is keys-then-erase.
func (m *Master) clearLocked() error {
	keys, err := m.backend.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := m.backend.Erase(k); err != nil {
			return err
		}
	}
	return nil
}

// handleRequest answers a read or a responding mutation, publishing the
// response on the clone topic keyed by (requester, request id).
func (m *Master) handleRequest(sm *meshbus.StoreMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := data.TimestampFrom(m.ep.Clock().Now())

	var (
		args data.Vector
		err  error
	)
	switch sm.Tag {
	case reqGet:
		var key, value data.Value
		if key, err = keyArgs(sm.Args); err == nil {
			if value, err = m.getLive(key, now); err == nil {
				args = data.Vector{value}
			}
		}
	case reqGetAspect:
		if len(sm.Args) != 2 {
			err = ErrNoSuchKey
			break
		}
		if _, err = m.getLive(sm.Args[0], now); err == nil {
			var value data.Value
			if value, err = m.backend.GetAspect(sm.Args[0], sm.Args[1]); err == nil {
				args = data.Vector{value}
			}
		}
	case reqExists:
		var key data.Value
		if key, err = keyArgs(sm.Args); err == nil {
			_, getErr := m.getLive(key, now)
			switch {
			case getErr == nil:
				args = data.Vector{data.Boolean(true)}
			case errors.Is(getErr, ErrNoSuchKey):
				args = data.Vector{data.Boolean(false)}
			default:
				err = getErr
			}
		}
	case reqKeys:
		var keys []data.Value
		if keys, err = m.backend.Keys(); err == nil {
			args = data.Vector{data.Vector(keys)}
		}
	case reqSize:
		var n uint64
		if n, err = m.backend.Size(); err == nil {
			args = data.Vector{data.Count(n)}
		}
	case reqPutUnique:
		args, err = m.putUnique(sm.Args, now)
	case reqExpire:
		args, err = m.explicitExpire(sm.Args, now)
	case reqSnapshot:
		var entries []storage.Entry
		if entries, err = m.backend.Snapshot(); err == nil {
			args = data.Vector{snapshotArgs(entries)}
		}
	case reqAdd, reqSubtract:
		var key, delta, out data.Value
		var expiry data.Timestamp
		if key, delta, expiry, err = mutationArgs(sm.Args); err == nil {
			if sm.Tag == reqAdd {
				out, err = m.backend.Add(key, delta, expiry)
			} else {
				out, err = m.backend.Subtract(key, delta, expiry)
			}
			if err == nil {
				m.publishMasterEvent(evUpdate, data.Vector{key, out, encodeExpiry(expiry)})
				args = data.Vector{out}
			}
		}
	default:
		err = ErrNoSuchKey
	}

	m.respond(sm, statusOf(err), args)
}

// getLive fetches an entry, treating expired ones as absent and lazily
// removing them.
func (m *Master) getLive(key data.Value, now data.Timestamp) (data.Value, error) {
	value, expiry, err := m.backend.Get(key)
	if err != nil {
		return nil, err
	}
	if expiry != storage.NoExpiry && now >= expiry {
		if removed, _ := m.backend.Expire(key, now); removed {
			m.publishMasterEvent(evExpire, data.Vector{key})
		}
		return nil, ErrNoSuchKey
	}
	return value, nil
}

// putUnique stores the value iff the key is absent, answering the success
// boolean rather than an error on conflict.
func (m *Master) putUnique(rawArgs data.Vector, now data.Timestamp) (data.Vector, error) {
	key, value, expiry, err := mutationArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	if _, getErr := m.getLive(key, now); getErr == nil {
		return data.Vector{data.Boolean(false)}, nil
	} else if !errors.Is(getErr, ErrNoSuchKey) {
		return nil, getErr
	}
	if err := m.backend.Put(key, value, expiry); err != nil {
		return nil, err
	}
	m.publishMasterEvent(evUpdate, data.Vector{key, value, encodeExpiry(expiry)})
	return data.Vector{data.Boolean(true)}, nil
}

// explicitExpire removes the entry iff it exists, carries an expiry, and
// that expiry has passed, reporting whether all three held.
func (m *Master) explicitExpire(rawArgs data.Vector, now data.Timestamp) (data.Vector, error) {
	key, err := keyArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	removed, err := m.backend.Expire(key, now)
	if err != nil {
		return nil, err
	}
	if removed {
		m.publishMasterEvent(evExpire, data.Vector{key})
	}
	return data.Vector{data.Boolean(removed)}, nil
}

func (m *Master) respond(req *meshbus.StoreMessage, status uint8, args data.Vector) {
	if args == nil {
		args = data.Vector{}
	}
	err := m.ep.PublishStore(&meshbus.StoreMessage{
		Kind:      meshbus.StoreResponse,
		Store:     m.name,
		Publisher: req.Publisher, // the requester matches on its own uuid
		Seq:       req.Seq,
		Tag:       status,
		Args:      args,
	})
	if err != nil {
		m.log.Debug("respond: %v", err)
	}
}

// publishEvent replicates a command outcome under the originating
// publisher's sequence, so clones can drop replays per publisher.
func (m *Master) publishEvent(publisher uuid.UUID, seq uint64, tag uint8, args data.Vector) {
	if args == nil {
		args = data.Vector{}
	}
	err := m.ep.PublishStore(&meshbus.StoreMessage{
		Kind:      meshbus.StoreEvent,
		Store:     m.name,
		Publisher: publisher,
		Seq:       seq,
		Tag:       tag,
		Args:      args,
	})
	if err != nil {
		m.log.Debug("publish event: %v", err)
	}
}

// publishMasterEvent replicates a master-originated outcome (expiry,
// put_unique, responding mutations) under the master's own sequence.
func (m *Master) publishMasterEvent(tag uint8, args data.Vector) {
	m.publishEvent(m.ep.ID(), m.eventSeq.Add(1), tag, args)
}
