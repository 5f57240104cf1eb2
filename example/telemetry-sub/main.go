// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command telemetry-sub listens for peers, subscribes to a set of topic
// prefixes, and prints what arrives. With -metrics it also exposes
// prometheus telemetry, and with -gateway a websocket data API.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
)

func main() {
	var (
		listen   = flag.String("listen", "127.0.0.1:9999", "address to accept peers on")
		prefixes = flag.String("topics", "zeek/", "comma-separated topic prefixes")
		metrics  = flag.String("metrics", "", "address to serve /metrics on (empty disables)")
		gateway  = flag.String("gateway", "", "address to serve the websocket gateway on (empty disables)")
	)
	flag.Parse()

	reg := prometheus.NewRegistry()
	ep := meshbus.NewEndpoint(
		meshbus.WithName("telemetry-sub"),
		meshbus.WithLogger(meshbus.NewLogger(meshbus.LogLevelInfo)),
		meshbus.WithMetrics(reg),
	)
	defer ep.Close()

	if err := ep.Listen(*listen); err != nil {
		log.Fatalf("listen: %v", err)
	}
	fmt.Println("accepting peers on", ep.Addr())

	if *metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() { log.Fatal(http.ListenAndServe(*metrics, mux)) }()
	}
	if *gateway != "" {
		go func() { log.Fatal(meshbus.ServeGateway(ep, *gateway)) }()
	}

	go func() {
		for ev := range ep.Events() {
			fmt.Println(ev)
		}
	}()

	sub := ep.Subscribe(strings.Split(*prefixes, ",")...)
	defer sub.Close()
	for {
		msgs := sub.Get(16)
		if msgs == nil {
			return
		}
		for _, msg := range msgs {
			raw, _ := data.ToJSON(msg.Data)
			fmt.Printf("%s %s\n", msg.Topic, raw)
		}
	}
}
