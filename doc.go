// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package meshbus is a distributed publish/subscribe messaging fabric for
// network-security telemetry. Endpoints peer with one another over TCP,
// exchange topic-scoped typed messages with prefix-based routing and
// credit-based per-peer flow control, and optionally host replicated
// key/value stores (see the store and storage packages) whose mutations
// are themselves broadcast as messages.
package meshbus
