// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"github.com/google/uuid"

	"github.com/destiny/meshbus/topic"
)

// routingTable maps peers to their subscription filters and maintains a
// byte trie over filter prefixes so routes(topic) runs in O(|topic|).
// It is owned by the core-router goroutine and never locked.
type routingTable struct {
	root    *trieNode
	filters map[uuid.UUID]topic.Filter
}

type trieNode struct {
	children map[byte]*trieNode
	peers    map[uuid.UUID]struct{} // peers whose filter holds this exact prefix
}

func newRoutingTable() *routingTable {
	return &routingTable{
		root:    &trieNode{},
		filters: make(map[uuid.UUID]topic.Filter),
	}
}

// update replaces a peer's filter, patching the trie incrementally from
// the diff of the old and new prefix sets.
func (rt *routingTable) update(id uuid.UUID, f topic.Filter) {
	old := rt.filters[id]
	added, removed := f.Diff(old)
	for _, p := range removed {
		rt.remove(p, id)
	}
	for _, p := range added {
		rt.insert(p, id)
	}
	if len(f) == 0 {
		delete(rt.filters, id)
	} else {
		rt.filters[id] = f.Clone()
	}
}

// drop removes a peer entirely.
func (rt *routingTable) drop(id uuid.UUID) {
	rt.update(id, nil)
}

// filter returns the stored filter for a peer.
func (rt *routingTable) filter(id uuid.UUID) topic.Filter {
	return rt.filters[id].Clone()
}

// routes returns the peers whose filter matches t. The result is freshly
// allocated and safe to retain.
func (rt *routingTable) routes(t string) []uuid.UUID {
	var out []uuid.UUID
	seen := make(map[uuid.UUID]struct{})
	node := rt.root
	for i := 0; i <= len(t); i++ {
		for id := range node.peers {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
		if i == len(t) {
			break
		}
		node = node.children[t[i]]
		if node == nil {
			break
		}
	}
	return out
}

func (rt *routingTable) insert(prefix string, id uuid.UUID) {
	node := rt.root
	for i := 0; i < len(prefix); i++ {
		if node.children == nil {
			node.children = make(map[byte]*trieNode)
		}
		next := node.children[prefix[i]]
		if next == nil {
			next = &trieNode{}
			node.children[prefix[i]] = next
		}
		node = next
	}
	if node.peers == nil {
		node.peers = make(map[uuid.UUID]struct{})
	}
	node.peers[id] = struct{}{}
}

func (rt *routingTable) remove(prefix string, id uuid.UUID) {
	// walk down remembering the path for pruning
	path := make([]*trieNode, 0, len(prefix)+1)
	node := rt.root
	path = append(path, node)
	for i := 0; i < len(prefix); i++ {
		node = node.children[prefix[i]]
		if node == nil {
			return
		}
		path = append(path, node)
	}
	delete(node.peers, id)
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		if len(n.peers) > 0 || len(n.children) > 0 {
			break
		}
		delete(path[i-1].children, prefix[i-1])
	}
}

// routerCmd mutates or queries router-owned state from other goroutines.
type routerCmd struct {
	action string
	sub    *Subscriber
	peerID uuid.UUID
	filter topic.Filter
	reply  chan interface{}
}

// routerLoop is the core-router actor: it owns the routing table and the
// subscriber set, fans publications out to local queues and peer buffers,
// and recomputes the advertised local filter when subscriptions change.
func (ep *Endpoint) routerLoop() {
	defer ep.wg.Done()

	for {
		select {
		case msg := <-ep.publishCh:
			ep.dispatch(msg)
		case cmd := <-ep.routerCmds:
			ep.handleRouterCmd(cmd)
		case <-ep.ctx.Done():
			return
		}
	}
}

func (ep *Endpoint) handleRouterCmd(cmd routerCmd) {
	switch cmd.action {
	case "add_sub":
		ep.subs[cmd.sub.id] = cmd.sub
		ep.advertiseFilter()
		cmd.reply <- nil
	case "drop_sub":
		delete(ep.subs, cmd.sub.id)
		ep.advertiseFilter()
		cmd.reply <- nil
	case "set_peer_filter":
		ep.table.update(cmd.peerID, cmd.filter)
		cmd.reply <- nil
	case "drop_peer":
		ep.table.drop(cmd.peerID)
		cmd.reply <- nil
	case "peer_filter":
		cmd.reply <- ep.table.filter(cmd.peerID)
	case "local_filter":
		cmd.reply <- ep.localFilter()
	case "close_subs":
		for id, sub := range ep.subs {
			sub.closeForShutdown()
			delete(ep.subs, id)
		}
		cmd.reply <- nil
	}
}

// localFilter is the union of all live subscriber filters; it is what
// HELLO and FILTER_UPDATE advertise to peers.
func (ep *Endpoint) localFilter() topic.Filter {
	var f topic.Filter
	for _, sub := range ep.subs {
		f = f.Union(sub.filter)
	}
	return f
}

// advertiseFilter pushes the current local filter to every peered peer.
func (ep *Endpoint) advertiseFilter() {
	f := ep.localFilter()
	ep.peersMu.RLock()
	defer ep.peersMu.RUnlock()
	for _, p := range ep.peersByID {
		p.sendFilterUpdate(f)
	}
}

// dispatch delivers a message to matching local subscribers and forwards
// it to matching peers, excluding the immediate sender.
func (ep *Endpoint) dispatch(msg *message) {
	if msg.store != nil && msg.store.Kind == StoreEvent {
		ep.discoveredPublisher(msg.store.Publisher)
	}

	// local delivery
	for _, sub := range ep.subs {
		if !sub.filter.Matches(msg.topic) {
			continue
		}
		delivered := Message{Topic: msg.topic, Store: msg.store}
		if msg.frameType == frameData {
			delivered.Data = msg.decodedValue()
		}
		if !sub.put(delivered) {
			ep.metrics.dropped.WithLabelValues("overflow").Inc()
			ep.events.error(ErrWriteOverflow, "subscriber queue full: "+msg.topic)
		}
	}

	// remote forwarding, hop-limited
	if int(msg.hops)+1 >= ep.cfg.MaxHops && msg.from != uuid.Nil {
		ep.metrics.dropped.WithLabelValues("ttl").Inc()
		return
	}
	ids := ep.table.routes(msg.topic)
	if len(ids) == 0 {
		return
	}
	ep.peersMu.RLock()
	targets := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		if id == msg.from {
			continue
		}
		if p, ok := ep.peersByID[id]; ok {
			targets = append(targets, p)
		}
	}
	ep.peersMu.RUnlock()
	for _, p := range targets {
		p.enqueue(msg)
		ep.metrics.forwarded.Inc()
	}
}
