// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command store-demo runs a master and a clone of a replicated store on
// two endpoints in one process and exercises the command vocabulary.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	meshbus "github.com/destiny/meshbus"
	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/storage"
	"github.com/destiny/meshbus/store"
)

func main() {
	var (
		backendKind = flag.String("backend", "memory", "backend: memory, bolt, or badger")
		path        = flag.String("path", "store-demo.db", "path for persistent backends")
	)
	flag.Parse()

	var backend storage.Backend
	var err error
	switch *backendKind {
	case "memory":
		backend = storage.NewMemory()
	case "bolt":
		backend, err = storage.OpenBolt(*path)
	case "badger":
		backend, err = storage.OpenBadger(*path)
	default:
		log.Fatalf("unknown backend %q", *backendKind)
	}
	if err != nil {
		log.Fatalf("open backend: %v", err)
	}

	a := meshbus.NewEndpoint(meshbus.WithName("master-node"))
	defer a.Close()
	b := meshbus.NewEndpoint(meshbus.WithName("clone-node"))
	defer b.Close()

	if err := a.Listen("127.0.0.1:0"); err != nil {
		log.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(a.Addr().String())
	if err != nil {
		log.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatal(err)
	}

	master := store.NewMaster(a, "intel", backend)
	defer master.Close()

	if err := b.Peer(host, port, time.Second); err != nil {
		log.Fatal(err)
	}
	clone := store.NewClone(b, "intel")
	defer clone.Close()

	handle := store.NewFrontend(b, "intel")
	defer handle.Close()

	must := func(err error) {
		if err != nil {
			log.Fatal(err)
		}
	}
	must(handle.Put(data.String("seen"), data.Count(1), storage.NoExpiry))
	must(handle.Add(data.String("seen"), data.Count(41), storage.NoExpiry))

	ok, err := handle.PutUnique(data.String("seen"), data.Count(0), storage.NoExpiry)
	must(err)
	fmt.Println("put_unique on existing key:", ok)

	v, err := handle.Get(data.String("seen"))
	must(err)
	fmt.Println("seen =", v)

	// wait for replication, then read from the clone replica
	time.Sleep(200 * time.Millisecond)
	rv, err := clone.Get(data.String("seen"))
	must(err)
	fmt.Println("clone replica: seen =", rv)
}
