// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/internal/testutil"
	"github.com/destiny/meshbus/storage"
)

func newEndpoint(t *testing.T, opts ...meshbus.Option) *meshbus.Endpoint {
	t.Helper()
	ep := meshbus.NewEndpoint(opts...)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// pairEndpoints listens on a, peers b toward it, and returns a's address
// for further peerings.
func pairEndpoints(t *testing.T, a, b *meshbus.Endpoint) (string, int) {
	t.Helper()
	require.NoError(t, a.Listen("127.0.0.1:0"))
	host, port, err := testutil.HostPort(a.Addr())
	require.NoError(t, err)
	require.NoError(t, b.Peer(host, port, 0))
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(a.Peers()) > 0 && len(b.Peers()) > 0
	}, "endpoints did not peer")
	// wait until the store topic filters made it across
	testutil.Eventually(t, 5*time.Second, func() bool {
		af := a.PeerFilter(b.ID())
		bf := b.PeerFilter(a.ID())
		return af.Equal(b.LocalFilter()) && bf.Equal(a.LocalFilter())
	}, "filters did not synchronize")
	return host, port
}

func TestMasterLocalReadsAndWrites(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()

	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("x"), data.Count(7), storage.NoExpiry))
	require.NoError(t, handle.Add(data.String("x"), data.Count(2), storage.NoExpiry))

	v, err := handle.Get(data.String("x"))
	require.NoError(t, err)
	assert.True(t, data.Equal(data.Count(9), v))

	ok, err := handle.Exists(data.String("x"))
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := handle.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	keys, err := handle.Keys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, data.Equal(data.String("x"), keys[0]))

	_, err = handle.Get(data.String("missing"))
	assert.ErrorIs(t, err, ErrNoSuchKey)
}

func TestStoreReplicationAcrossEndpoints(t *testing.T) {
	a := newEndpoint(t, meshbus.WithName("master-side"))
	b := newEndpoint(t, meshbus.WithName("clone-side"))

	master := NewMaster(a, "intel", nil)
	defer master.Close()
	clone := NewClone(b, "intel")
	defer clone.Close()

	pairEndpoints(t, a, b)

	handle := NewFrontend(b, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("x"), data.Count(7), storage.NoExpiry))
	require.NoError(t, handle.Add(data.String("x"), data.Count(2), storage.NoExpiry))

	// the clone replica converges to the master's state
	testutil.Eventually(t, 5*time.Second, func() bool {
		v, err := clone.Get(data.String("x"))
		return err == nil && data.Equal(data.Count(9), v)
	}, "clone did not converge to 9")

	// type clash on the existing count value
	err := handle.Add(data.String("x"), data.String("oops"), storage.NoExpiry)
	assert.ErrorIs(t, err, ErrTypeClash)

	// erase replicates too
	require.NoError(t, handle.Erase(data.String("x")))
	testutil.Eventually(t, 5*time.Second, func() bool {
		_, err := clone.Get(data.String("x"))
		return err != nil
	}, "erase did not replicate")
}

func TestStoreThreeParty(t *testing.T) {
	a := newEndpoint(t, meshbus.WithName("A"))
	b := newEndpoint(t, meshbus.WithName("B"))
	c := newEndpoint(t, meshbus.WithName("C"))

	master := NewMaster(a, "intel", nil)
	defer master.Close()
	clone := NewClone(b, "intel")
	defer clone.Close()

	host, port := pairEndpoints(t, a, b)

	// the client on C talks to the master through its own peering
	require.NoError(t, c.Peer(host, port, 0))
	testutil.Eventually(t, 5*time.Second, func() bool {
		return len(c.Peers()) > 0
	}, "C did not peer with A")
	testutil.Eventually(t, 5*time.Second, func() bool {
		return c.PeerFilter(a.ID()).Matches("broker/store/master/intel")
	}, "master filter did not reach C")

	handle := NewFrontend(c, "intel")
	defer handle.Close()
	testutil.Eventually(t, 5*time.Second, func() bool {
		return a.PeerFilter(c.ID()).Matches("broker/store/clone/intel")
	}, "C's response subscription did not reach A")

	require.NoError(t, handle.Put(data.String("x"), data.Count(7), storage.NoExpiry))
	require.NoError(t, handle.Add(data.String("x"), data.Count(2), storage.NoExpiry))

	testutil.Eventually(t, 5*time.Second, func() bool {
		v, err := clone.Get(data.String("x"))
		return err == nil && data.Equal(data.Count(9), v)
	}, "clone on B did not see the client's writes from C")

	err := handle.Add(data.String("x"), data.String("oops"), storage.NoExpiry)
	assert.ErrorIs(t, err, ErrTypeClash)
}

func TestPutUnique(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()
	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	ok, err := handle.PutUnique(data.String("x"), data.Count(1), storage.NoExpiry)
	require.NoError(t, err)
	assert.True(t, ok)

	// a conflict is a false result, not an error
	ok, err = handle.PutUnique(data.String("x"), data.Count(2), storage.NoExpiry)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := handle.Get(data.String("x"))
	require.NoError(t, err)
	assert.True(t, data.Equal(data.Count(1), v))
}

func TestExpiry(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()
	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	expiry := data.TimestampFrom(time.Now().Add(400 * time.Millisecond))
	require.NoError(t, handle.Put(data.String("x"), data.String("v"), expiry))

	// before the expiry: present, and expire() does not fire early
	testutil.Eventually(t, 2*time.Second, func() bool {
		ok, err := handle.Exists(data.String("x"))
		return err == nil && ok
	}, "entry not visible after put")
	removed, err := handle.Expire(data.String("x"))
	require.NoError(t, err)
	assert.False(t, removed)

	time.Sleep(500 * time.Millisecond)

	removed, err = handle.Expire(data.String("x"))
	require.NoError(t, err)
	assert.True(t, removed)

	ok, err := handle.Exists(data.String("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryInvisibleToGet(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()
	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	expiry := data.TimestampFrom(time.Now().Add(200 * time.Millisecond))
	require.NoError(t, handle.Put(data.String("ttl"), data.Count(1), expiry))
	testutil.Eventually(t, 2*time.Second, func() bool {
		ok, _ := handle.Exists(data.String("ttl"))
		return ok
	}, "entry not visible after put")

	time.Sleep(250 * time.Millisecond)
	_, err := handle.Get(data.String("ttl"))
	assert.ErrorIs(t, err, ErrNoSuchKey)
}

func TestGetAspect(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()
	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("vec"),
		data.Vector{data.Count(10), data.Count(20)}, storage.NoExpiry))

	v, err := handle.GetAspect(data.String("vec"), data.Count(1))
	require.NoError(t, err)
	assert.True(t, data.Equal(data.Count(20), v))

	_, err = handle.GetAspect(data.String("vec"), data.Count(9))
	assert.ErrorIs(t, err, ErrNoSuchKey)
}

func TestClearReplicates(t *testing.T) {
	a := newEndpoint(t)
	b := newEndpoint(t)
	master := NewMaster(a, "intel", nil)
	defer master.Close()
	clone := NewClone(b, "intel")
	defer clone.Close()
	pairEndpoints(t, a, b)

	handle := NewFrontend(b, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("a"), data.Count(1), storage.NoExpiry))
	require.NoError(t, handle.Put(data.String("b"), data.Count(2), storage.NoExpiry))
	testutil.Eventually(t, 5*time.Second, func() bool {
		n, err := clone.Size()
		return err == nil && n == 2
	}, "puts did not replicate")

	require.NoError(t, handle.Clear())
	testutil.Eventually(t, 5*time.Second, func() bool {
		n, err := clone.Size()
		return err == nil && n == 0
	}, "clear did not replicate")

	n, err := handle.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestRequestTimeoutWithoutMaster(t *testing.T) {
	cfg := meshbus.DefaultConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	ep := newEndpoint(t, meshbus.WithConfig(cfg))

	handle := NewFrontend(ep, "orphan")
	defer handle.Close()

	_, err := handle.Get(data.String("x"))
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestFrontendSnapshot(t *testing.T) {
	ep := newEndpoint(t)
	master := NewMaster(ep, "intel", nil)
	defer master.Close()
	handle := NewFrontend(ep, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("a"), data.Count(1), storage.NoExpiry))
	require.NoError(t, handle.Put(data.String("b"), data.Count(2), storage.NoExpiry))
	testutil.Eventually(t, 5*time.Second, func() bool {
		n, _ := handle.Size()
		return n == 2
	}, "puts not applied")

	entries, err := handle.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCloneDropsReplayedEvents(t *testing.T) {
	a := newEndpoint(t)
	b := newEndpoint(t)
	master := NewMaster(a, "intel", nil)
	defer master.Close()
	clone := NewClone(b, "intel")
	defer clone.Close()
	pairEndpoints(t, a, b)

	handle := NewFrontend(b, "intel")
	defer handle.Close()

	require.NoError(t, handle.Put(data.String("x"), data.Count(1), storage.NoExpiry))
	testutil.Eventually(t, 5*time.Second, func() bool {
		v, err := clone.Get(data.String("x"))
		return err == nil && data.Equal(data.Count(1), v)
	}, "put did not replicate")

	// replay the same (publisher, seq) with different content; the clone
	// must drop it
	require.NoError(t, b.PublishStore(&meshbus.StoreMessage{
		Kind:  meshbus.StoreEvent,
		Store: "intel",
		Seq:   1,
		Tag:   evUpdate,
		Args: data.Vector{
			data.String("x"), data.Count(999), data.None{},
		},
	}))
	testutil.Never(t, 300*time.Millisecond, func() bool {
		v, err := clone.Get(data.String("x"))
		return err == nil && data.Equal(data.Count(999), v)
	}, "clone applied a replayed event")
}
