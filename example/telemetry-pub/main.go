// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command telemetry-pub publishes synthetic security telemetry to a
// meshbus peer.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"time"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
)

func main() {
	var (
		host     = flag.String("host", "127.0.0.1", "peer host")
		port     = flag.Int("port", 9999, "peer port")
		topicStr = flag.String("topic", "zeek/events/conn", "topic to publish on")
		interval = flag.Duration("interval", time.Second, "publish interval")
		cfgPath  = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	opts := []meshbus.Option{
		meshbus.WithName("telemetry-pub"),
		meshbus.WithLogger(meshbus.NewLogger(meshbus.LogLevelInfo)),
	}
	if *cfgPath != "" {
		cfg, err := meshbus.LoadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		opts = append(opts, meshbus.WithConfig(cfg))
	}

	ep := meshbus.NewEndpoint(opts...)
	defer ep.Close()

	if err := ep.Peer(*host, *port, time.Second); err != nil {
		log.Fatalf("peer: %v", err)
	}

	go func() {
		for ev := range ep.Events() {
			fmt.Println(ev)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	src := data.AddressFrom(netip.MustParseAddr("192.168.1.10"))
	seq := uint64(0)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			seq++
			record := data.Vector{
				data.TimestampFrom(time.Now()),
				src,
				data.Port{Number: 443, Proto: data.ProtoTCP},
				data.Count(seq),
			}
			if err := ep.Publish(*topicStr, record); err != nil {
				log.Fatalf("publish: %v", err)
			}
		case <-stop:
			return
		}
	}
}
