// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the endpoint's telemetry. Instruments are always live;
// they are only exported when a Registerer is supplied via WithMetrics.
type metrics struct {
	published     prometheus.Counter
	forwarded     prometheus.Counter
	dropped       *prometheus.CounterVec
	peers         prometheus.Gauge
	storeCommands prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbus",
			Name:      "messages_published_total",
			Help:      "Messages published by local publishers.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbus",
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded to peers.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbus",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshbus",
			Name:      "peers",
			Help:      "Peers currently in the peered state.",
		}),
		storeCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbus",
			Name:      "store_commands_total",
			Help:      "Store commands routed through this endpoint.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.forwarded, m.dropped, m.peers, m.storeCommands)
	}
	return m
}
