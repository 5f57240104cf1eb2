// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// Defaults for the recognized configuration options.
const (
	DefaultMaxHops             = 16
	DefaultPingInterval        = 5 * time.Second
	DefaultSubscriberCapacity  = 20
	DefaultPeerBufferCapacity  = 512
	DefaultCreditInterval      = 500 * time.Millisecond
	DefaultRequestTimeout      = 10 * time.Second
	DefaultReconnectTimeout    = 30 * time.Second
	DefaultEventChannelBuffer  = 64
	defaultHandshakeTimeout    = 10 * time.Second
	defaultProtocolVersion     = uint32(1)
)

// Config holds the tunables of an endpoint. The zero value is not usable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	Name                string        `yaml:"name"`                 // endpoint name for logs
	MaxHops             int           `yaml:"max_hops"`             // hop TTL on data messages
	PingInterval        time.Duration `yaml:"peer_ping_interval"`   // keep-alive probe interval
	SubscriberCapacity  int           `yaml:"subscriber_queue_capacity"`
	PeerBufferCapacity  int           `yaml:"peer_buffer_capacity"` // per-peer outbound buffer
	CreditInterval      time.Duration `yaml:"credit_interval"`      // credit replenish round
	RequestTimeout      time.Duration `yaml:"store_request_timeout"`
	ReconnectTimeout    time.Duration `yaml:"store_reconnect_timeout"`
	EventChannelBuffer  int           `yaml:"event_channel_buffer"`
}

// DefaultConfig returns a Config with every option at its default.
func DefaultConfig() Config {
	return Config{
		MaxHops:            DefaultMaxHops,
		PingInterval:       DefaultPingInterval,
		SubscriberCapacity: DefaultSubscriberCapacity,
		PeerBufferCapacity: DefaultPeerBufferCapacity,
		CreditInterval:     DefaultCreditInterval,
		RequestTimeout:     DefaultRequestTimeout,
		ReconnectTimeout:   DefaultReconnectTimeout,
		EventChannelBuffer: DefaultEventChannelBuffer,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("meshbus: reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("meshbus: parsing config %q: %w", path, err)
	}
	return cfg, cfg.validate()
}

// UnmarshalYAML overlays the file's fields onto the receiver, leaving
// absent options untouched. Durations use Go syntax ("500ms", "2s").
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Name               string `yaml:"name"`
		MaxHops            *int   `yaml:"max_hops"`
		PingInterval       string `yaml:"peer_ping_interval"`
		SubscriberCapacity *int   `yaml:"subscriber_queue_capacity"`
		PeerBufferCapacity *int   `yaml:"peer_buffer_capacity"`
		CreditInterval     string `yaml:"credit_interval"`
		RequestTimeout     string `yaml:"store_request_timeout"`
		ReconnectTimeout   string `yaml:"store_reconnect_timeout"`
		EventChannelBuffer *int   `yaml:"event_channel_buffer"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Name != "" {
		c.Name = raw.Name
	}
	if raw.MaxHops != nil {
		c.MaxHops = *raw.MaxHops
	}
	if raw.SubscriberCapacity != nil {
		c.SubscriberCapacity = *raw.SubscriberCapacity
	}
	if raw.PeerBufferCapacity != nil {
		c.PeerBufferCapacity = *raw.PeerBufferCapacity
	}
	if raw.EventChannelBuffer != nil {
		c.EventChannelBuffer = *raw.EventChannelBuffer
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{raw.PingInterval, &c.PingInterval},
		{raw.CreditInterval, &c.CreditInterval},
		{raw.RequestTimeout, &c.RequestTimeout},
		{raw.ReconnectTimeout, &c.ReconnectTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("meshbus: invalid duration %q: %w", d.raw, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c Config) validate() error {
	if c.MaxHops <= 0 {
		return fmt.Errorf("meshbus: max_hops must be positive, got %d", c.MaxHops)
	}
	if c.SubscriberCapacity <= 0 {
		return fmt.Errorf("meshbus: subscriber_queue_capacity must be positive, got %d", c.SubscriberCapacity)
	}
	if c.PeerBufferCapacity <= 0 {
		return fmt.Errorf("meshbus: peer_buffer_capacity must be positive, got %d", c.PeerBufferCapacity)
	}
	if c.PingInterval <= 0 || c.CreditInterval <= 0 {
		return fmt.Errorf("meshbus: intervals must be positive")
	}
	return nil
}

// Option configures some aspect of an endpoint.
type Option func(ep *Endpoint)

// WithConfig replaces the endpoint's entire configuration.
func WithConfig(cfg Config) Option {
	return func(ep *Endpoint) {
		ep.cfg = cfg
	}
}

// WithName sets the endpoint name used in logs.
func WithName(name string) Option {
	return func(ep *Endpoint) {
		ep.cfg.Name = name
	}
}

// WithLogger sets a dedicated logger for the endpoint.
func WithLogger(log *Logger) Option {
	return func(ep *Endpoint) {
		ep.log = log
	}
}

// WithClock sets the clock used for timers, retries, and expiry. Tests use
// a mock clock to drive time deterministically.
func WithClock(c clock.Clock) Option {
	return func(ep *Endpoint) {
		ep.clock = c
	}
}

// WithMetrics registers the endpoint's telemetry on the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(ep *Endpoint) {
		ep.metrics = newMetrics(reg)
	}
}

// WithMaxHops sets the hop TTL on forwarded data messages.
func WithMaxHops(n int) Option {
	return func(ep *Endpoint) {
		ep.cfg.MaxHops = n
	}
}

// WithPingInterval sets the keep-alive probe interval.
func WithPingInterval(d time.Duration) Option {
	return func(ep *Endpoint) {
		ep.cfg.PingInterval = d
	}
}

// WithSubscriberCapacity sets the default subscriber queue capacity.
func WithSubscriberCapacity(n int) Option {
	return func(ep *Endpoint) {
		ep.cfg.SubscriberCapacity = n
	}
}

// WithPeerBufferCapacity sets the per-peer outbound buffer capacity, which
// is also the credit window advertised to peers.
func WithPeerBufferCapacity(n int) Option {
	return func(ep *Endpoint) {
		ep.cfg.PeerBufferCapacity = n
	}
}

// WithCreditInterval sets the credit replenish round interval.
func WithCreditInterval(d time.Duration) Option {
	return func(ep *Endpoint) {
		ep.cfg.CreditInterval = d
	}
}
