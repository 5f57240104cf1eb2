// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/storage"
	"github.com/destiny/meshbus/topic"
)

// Clone is a replica of a named store. It applies the master's events in
// receive order, answers reads from its local replica, and forwards
// writes to the master. When the master has been silent past the
// reconnect timeout the clone degrades: reads fail with a backend
// failure and writes queue until the timeout, then are rejected.
type Clone struct {
	ep       *meshbus.Endpoint
	name     string
	log      *meshbus.Logger
	frontend *Frontend

	sub *meshbus.Subscriber // clone topic consumer, for events

	mu          sync.Mutex
	replica     *storage.Memory
	seqSeen     map[uuid.UUID]uint64
	lastContact time.Time
	writeQueue  []queuedWrite

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queuedWrite struct {
	tag      uint8
	args     data.Vector
	enqueued time.Time
}

// NewClone attaches a replica of the named store to an endpoint.
func NewClone(ep *meshbus.Endpoint, name string) *Clone {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Clone{
		ep:          ep,
		name:        name,
		log:         ep.Logger().Named("clone." + name),
		frontend:    NewFrontend(ep, name),
		sub:         ep.SubscribeWithCapacity(actorQueueCapacity, topic.CloneTopic(name)),
		replica:     storage.NewMemory(),
		seqSeen:     make(map[uuid.UUID]uint64),
		lastContact: ep.Clock().Now(),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.wg.Add(1)
	go c.loop()
	c.wg.Add(1)
	go c.probeLoop()
	return c
}

// Name returns the store name.
func (c *Clone) Name() string { return c.name }

// Close detaches the clone.
func (c *Clone) Close() {
	c.cancel()
	c.sub.Close()
	c.frontend.Close()
	c.wg.Wait()
}

// loop applies replicated events in receive order, dropping per-publisher
// replays and re-fetching a full snapshot on sequence gaps.
func (c *Clone) loop() {
	defer c.wg.Done()

	for {
		msgs := c.sub.Get(32)
		if msgs == nil {
			return
		}
		for _, msg := range msgs {
			sm := msg.Store
			if sm == nil || sm.Store != c.name || sm.Kind != meshbus.StoreEvent {
				continue
			}
			c.applyEvent(sm)
		}
	}
}

func (c *Clone) applyEvent(sm *meshbus.StoreMessage) {
	c.mu.Lock()
	c.lastContact = c.ep.Clock().Now()

	last, known := c.seqSeen[sm.Publisher]
	if known && sm.Seq <= last {
		c.mu.Unlock()
		return // replay after a reconnection
	}
	gap := known && sm.Seq > last+1
	c.seqSeen[sm.Publisher] = sm.Seq

	if !gap {
		c.applyLocked(sm)
	}
	c.mu.Unlock()

	if gap {
		c.resync()
	}
	c.flushWrites()
}

func (c *Clone) applyLocked(sm *meshbus.StoreMessage) {
	switch sm.Tag {
	case evUpdate:
		key, value, expiry, err := mutationArgs(sm.Args)
		if err != nil {
			c.log.Warn("update event: %v", err)
			return
		}
		c.replica.Put(key, value, expiry)
	case evErase, evExpire:
		key, err := keyArgs(sm.Args)
		if err != nil {
			c.log.Warn("erase event: %v", err)
			return
		}
		c.replica.Erase(key)
	case evClear:
		c.replica = storage.NewMemory()
	default:
		c.log.Warn("unknown event tag %d from %s", sm.Tag, sm.Publisher)
	}
}

// resync replaces the replica with a full master snapshot after a
// sequence gap.
func (c *Clone) resync() {
	entries, err := c.frontend.Snapshot()
	if err != nil {
		c.log.Warn("resync: %v", err)
		return
	}
	fresh := storage.NewMemory()
	for _, e := range entries {
		fresh.Put(e.Key, e.Value, e.Expiry)
	}
	c.mu.Lock()
	c.replica = fresh
	c.lastContact = c.ep.Clock().Now()
	c.mu.Unlock()
	c.log.Info("resynced %d entries after sequence gap", len(entries))
}

// probeLoop keeps the master-liveness clock fresh while the store is
// otherwise quiet.
func (c *Clone) probeLoop() {
	defer c.wg.Done()

	interval := c.ep.Config().ReconnectTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := c.ep.Clock().Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.frontend.Size(); err == nil {
				c.mu.Lock()
				c.lastContact = c.ep.Clock().Now()
				c.mu.Unlock()
				c.flushWrites()
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Stale reports whether the master has been silent past the reconnect
// timeout.
func (c *Clone) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleLocked()
}

func (c *Clone) staleLocked() bool {
	return c.ep.Clock().Now().Sub(c.lastContact) > c.ep.Config().ReconnectTimeout
}

// Get answers from the local replica; expired entries are absent and are
// lazily removed, the same way the master's read path removes them. The
// master's expire event for the entry arrives later as a no-op.
func (c *Clone) Get(key data.Value) (data.Value, error) {
	c.mu.Lock()
	replica, stale := c.replica, c.staleLocked()
	c.mu.Unlock()
	if stale {
		return nil, ErrStale
	}
	value, expiry, err := replica.Get(key)
	if err != nil {
		return nil, err
	}
	now := data.TimestampFrom(c.ep.Clock().Now())
	if expiry != storage.NoExpiry && now >= expiry {
		if _, err := replica.Expire(key, now); err != nil {
			c.log.Warn("lazy expiry of replica entry: %v", err)
		}
		return nil, ErrNoSuchKey
	}
	return value, nil
}

// GetAspect performs indexed access against the local replica.
func (c *Clone) GetAspect(key, aspect data.Value) (data.Value, error) {
	if _, err := c.Get(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	replica := c.replica
	c.mu.Unlock()
	return replica.GetAspect(key, aspect)
}

// Exists reports whether a live entry exists in the local replica.
func (c *Clone) Exists(key data.Value) (bool, error) {
	_, err := c.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNoSuchKey):
		return false, nil
	default:
		return false, err
	}
}

// Keys lists the local replica's keys.
func (c *Clone) Keys() ([]data.Value, error) {
	c.mu.Lock()
	replica, stale := c.replica, c.staleLocked()
	c.mu.Unlock()
	if stale {
		return nil, ErrStale
	}
	return replica.Keys()
}

// Size returns the local replica's entry count.
func (c *Clone) Size() (uint64, error) {
	c.mu.Lock()
	replica, stale := c.replica, c.staleLocked()
	c.mu.Unlock()
	if stale {
		return 0, ErrStale
	}
	return replica.Size()
}

// Put forwards a write to the master, queueing it while degraded.
func (c *Clone) Put(key, value data.Value, expiry data.Timestamp) error {
	return c.write(cmdPut, data.Vector{key, value, encodeExpiry(expiry)})
}

// Erase forwards an erase to the master, queueing it while degraded.
func (c *Clone) Erase(key data.Value) error {
	return c.write(cmdErase, data.Vector{key})
}

func (c *Clone) write(tag uint8, args data.Vector) error {
	c.mu.Lock()
	if c.staleLocked() {
		c.writeQueue = append(c.writeQueue, queuedWrite{
			tag:      tag,
			args:     args,
			enqueued: c.ep.Clock().Now(),
		})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.frontend.command(tag, args)
}

// flushWrites replays writes queued while degraded, rejecting those older
// than the reconnect timeout.
func (c *Clone) flushWrites() {
	c.mu.Lock()
	if len(c.writeQueue) == 0 || c.staleLocked() {
		c.mu.Unlock()
		return
	}
	queued := c.writeQueue
	c.writeQueue = nil
	c.mu.Unlock()

	now := c.ep.Clock().Now()
	timeout := c.ep.Config().ReconnectTimeout
	for _, w := range queued {
		if now.Sub(w.enqueued) > timeout {
			c.log.Warn("dropping write queued %v ago: %v", now.Sub(w.enqueued), ErrBackendFailure)
			continue
		}
		if err := c.frontend.command(w.tag, w.args); err != nil {
			c.log.Warn("replaying queued write: %v", err)
		}
	}
}
