// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 16, cfg.MaxHops)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.Equal(t, 20, cfg.SubscriberCapacity)
	assert.Equal(t, 512, cfg.PeerBufferCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.CreditInterval)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReconnectTimeout)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbus.yaml")
	raw := `
name: sensor-7
max_hops: 8
peer_ping_interval: 2s
subscriber_queue_capacity: 50
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sensor-7", cfg.Name)
	assert.Equal(t, 8, cfg.MaxHops)
	assert.Equal(t, 2*time.Second, cfg.PingInterval)
	assert.Equal(t, 50, cfg.SubscriberCapacity)
	// untouched options keep their defaults
	assert.Equal(t, 512, cfg.PeerBufferCapacity)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_hops: -1\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOptionsApply(t *testing.T) {
	ep := newTestEndpoint(t,
		WithName("opts"),
		WithMaxHops(4),
		WithPingInterval(time.Second),
		WithSubscriberCapacity(7),
		WithPeerBufferCapacity(99),
		WithCreditInterval(time.Millisecond*100),
	)
	cfg := ep.Config()
	assert.Equal(t, "opts", cfg.Name)
	assert.Equal(t, 4, cfg.MaxHops)
	assert.Equal(t, time.Second, cfg.PingInterval)
	assert.Equal(t, 7, cfg.SubscriberCapacity)
	assert.Equal(t, 99, cfg.PeerBufferCapacity)
	assert.Equal(t, 100*time.Millisecond, cfg.CreditInterval)
}
