// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package storage

import (
	"sync"

	"github.com/destiny/meshbus/data"
)

// Memory is the hash-map backend. It is the default for masters without
// a persistence requirement.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry // canonical key encoding -> entry
}

type memEntry struct {
	key    data.Value
	value  data.Value
	expiry data.Timestamp
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Put(key, value data.Value, expiry data.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[string(data.Encode(key))] = memEntry{key: key, value: value, expiry: expiry}
	return nil
}

func (m *Memory) Add(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(data.Encode(key))
	e, ok := m.entries[k]
	if !ok {
		m.entries[k] = memEntry{key: key, value: delta, expiry: expiry}
		return delta, nil
	}
	out, err := applyAdd(e.value, delta)
	if err != nil {
		return nil, err
	}
	m.entries[k] = memEntry{key: key, value: out, expiry: expiry}
	return out, nil
}

func (m *Memory) Subtract(key, delta data.Value, expiry data.Timestamp) (data.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(data.Encode(key))
	e, ok := m.entries[k]
	if !ok {
		return nil, ErrNoSuchKey
	}
	out, err := applySubtract(e.value, delta)
	if err != nil {
		return nil, err
	}
	m.entries[k] = memEntry{key: key, value: out, expiry: expiry}
	return out, nil
}

func (m *Memory) Erase(key data.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(data.Encode(key)))
	return nil
}

func (m *Memory) Expire(key data.Value, now data.Timestamp) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(data.Encode(key))
	e, ok := m.entries[k]
	if !ok || !expired(e.expiry, now) {
		return false, nil
	}
	delete(m.entries, k)
	return true, nil
}

func (m *Memory) Get(key data.Value) (data.Value, data.Timestamp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[string(data.Encode(key))]
	if !ok {
		return nil, 0, ErrNoSuchKey
	}
	return e.value, e.expiry, nil
}

func (m *Memory) GetAspect(key, aspect data.Value) (data.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[string(data.Encode(key))]
	if !ok {
		return nil, ErrNoSuchKey
	}
	return aspectOf(e.value, aspect)
}

func (m *Memory) Exists(key data.Value) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[string(data.Encode(key))]
	return ok, nil
}

func (m *Memory) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries)), nil
}

func (m *Memory) Snapshot() ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Entry{Key: e.key, Value: e.value, Expiry: e.expiry})
	}
	return out, nil
}

func (m *Memory) Keys() ([]data.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]data.Value, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.key)
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
	return nil
}

var _ Backend = (*Memory)(nil)
