// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/topic"
)

var errVersionMismatch = errors.New("meshbus: protocol version mismatch")

// Endpoint is one participant in the fabric. It hosts local publishers
// and subscribers, maintains peerings with remote endpoints, and routes
// messages between them by topic prefix.
type Endpoint struct {
	id      uuid.UUID
	cfg     Config
	log     *Logger
	clock   clock.Clock
	metrics *metrics
	events  *eventSink

	listener net.Listener
	dialer   net.Dialer

	// router-owned state, touched only by routerLoop
	table           *routingTable
	subs            map[uuid.UUID]*Subscriber
	knownPublishers map[uuid.UUID]struct{}

	publishCh  chan *message
	routerCmds chan routerCmd

	peersMu     sync.RWMutex
	peersByID   map[uuid.UUID]*Peer
	peersByAddr map[string]*Peer

	requestID atomic.Uint64
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEndpoint creates an endpoint with the given options applied over the
// default configuration. The endpoint is live immediately; call Listen to
// accept inbound peerings.
func NewEndpoint(opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		id:              uuid.New(),
		cfg:             DefaultConfig(),
		log:             DevNullLogger,
		clock:           clock.New(),
		table:           newRoutingTable(),
		subs:            make(map[uuid.UUID]*Subscriber),
		knownPublishers: make(map[uuid.UUID]struct{}),
		publishCh:       make(chan *message, 64),
		routerCmds:      make(chan routerCmd, 16),
		peersByID:       make(map[uuid.UUID]*Peer),
		peersByAddr:     make(map[string]*Peer),
		ctx:             ctx,
		cancel:          cancel,
		dialer:          net.Dialer{Timeout: defaultHandshakeTimeout},
	}
	for _, opt := range opts {
		opt(ep)
	}
	if ep.metrics == nil {
		ep.metrics = newMetrics(nil)
	}
	ep.events = newEventSink(ep.cfg.EventChannelBuffer, ep.clock.Now)

	ep.wg.Add(1)
	go ep.routerLoop()
	return ep
}

// ID returns the endpoint's stable identity.
func (ep *Endpoint) ID() uuid.UUID { return ep.id }

// Config returns the endpoint's configuration.
func (ep *Endpoint) Config() Config { return ep.cfg }

// Clock returns the endpoint's time source.
func (ep *Endpoint) Clock() clock.Clock { return ep.clock }

// Logger returns the endpoint's logger.
func (ep *Endpoint) Logger() *Logger { return ep.log }

// Events returns the status channel. It carries status and error events;
// when the channel is full the oldest entries are shed.
func (ep *Endpoint) Events() <-chan Event { return ep.events.ch }

// NextRequestID returns a monotonically increasing request id, shared by
// every store frontend on this endpoint.
func (ep *Endpoint) NextRequestID() uint64 { return ep.requestID.Add(1) }

// Listen starts accepting inbound peerings on addr (host:port, port 0
// picks a free one).
func (ep *Endpoint) Listen(addr string) error {
	if ep.closed.Load() {
		return ErrShutdown
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("meshbus: could not listen on %q: %w", addr, err)
	}
	ep.listener = l
	ep.wg.Add(1)
	go ep.acceptLoop(l)
	return nil
}

// Addr returns the listener's address, nil when the endpoint does not
// listen.
func (ep *Endpoint) Addr() net.Addr {
	if ep.listener == nil {
		return nil
	}
	return ep.listener.Addr()
}

func (ep *Endpoint) acceptLoop(l net.Listener) {
	defer ep.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ep.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			ep.log.Warn("accept failed: %v", err)
			continue
		}
		ep.wg.Add(1)
		go func() {
			defer ep.wg.Done()
			ep.serveConn(conn)
		}()
	}
}

// serveConn runs the responder side of an inbound peering.
func (ep *Endpoint) serveConn(conn net.Conn) {
	p := newPeer(ep, conn.RemoteAddr().String(), 0, false)
	p.runConn(conn)
	p.cancel()
}

// Peer initiates a peering with a remote endpoint. With interval > 0 the
// connection is retried on failure until Unpeer or shutdown; with 0 a
// single attempt is made. The attempt proceeds asynchronously; watch the
// status channel for peer_added or peer_unavailable.
func (ep *Endpoint) Peer(host string, port int, interval time.Duration) error {
	if ep.closed.Load() {
		return ErrShutdown
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ep.peersMu.Lock()
	if existing, ok := ep.peersByAddr[addr]; ok {
		if existing.Status() != PeerDisconnected {
			ep.peersMu.Unlock()
			return nil
		}
		delete(ep.peersByAddr, addr)
	}
	p := newPeer(ep, addr, interval, true)
	ep.peersByAddr[addr] = p
	ep.peersMu.Unlock()

	p.wg.Add(1)
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		p.connectLoop()
	}()
	return nil
}

// Unpeer terminates the peering with the given remote. When no such peer
// is known a peer_invalid error event is emitted and nothing goes on the
// wire.
func (ep *Endpoint) Unpeer(host string, port int) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ep.peersMu.Lock()
	p, ok := ep.peersByAddr[addr]
	if ok {
		delete(ep.peersByAddr, addr)
	}
	ep.peersMu.Unlock()
	if !ok {
		ep.events.error(ErrPeerInvalid, "unpeer: no such peer "+addr)
		return
	}
	p.unpeer()
}

// Peers returns the peers currently in the peered state.
func (ep *Endpoint) Peers() []*Peer {
	ep.peersMu.RLock()
	defer ep.peersMu.RUnlock()
	out := make([]*Peer, 0, len(ep.peersByID))
	for _, p := range ep.peersByID {
		out = append(out, p)
	}
	return out
}

// Publish injects a (topic, value) pair into the fabric. It blocks only
// when backpressure from a slow peer has filled the engine's queues.
func (ep *Endpoint) Publish(t string, v data.Value) error {
	if ep.closed.Load() {
		return ErrShutdown
	}
	if t == "" {
		return fmt.Errorf("meshbus: empty topic")
	}
	msg := &message{
		frameType: frameData,
		topic:     t,
		payload:   data.Encode(v),
		value:     v,
	}
	ep.metrics.published.Inc()
	return ep.route(msg)
}

// PublishStore injects a store overlay frame. The store package is the
// intended caller; the engine routes it like any other message on the
// frame kind's reserved topic.
func (ep *Endpoint) PublishStore(sm *StoreMessage) error {
	if ep.closed.Load() {
		return ErrShutdown
	}
	if sm.Publisher == uuid.Nil {
		sm.Publisher = ep.id
	}
	msg := &message{
		frameType: sm.Kind.frameType(),
		topic:     sm.Kind.Topic(sm.Store),
		payload:   sm.marshalBody(),
		store:     sm,
	}
	if sm.Kind == StoreCommand {
		ep.metrics.storeCommands.Inc()
	}
	return ep.route(msg)
}

func (ep *Endpoint) route(msg *message) error {
	select {
	case ep.publishCh <- msg:
		return nil
	case <-ep.ctx.Done():
		return ErrShutdown
	}
}

// Subscribe registers a local consumer for the given topic prefixes with
// the default queue capacity.
func (ep *Endpoint) Subscribe(prefixes ...string) *Subscriber {
	return ep.SubscribeWithCapacity(ep.cfg.SubscriberCapacity, prefixes...)
}

// SubscribeWithCapacity registers a local consumer with an explicit queue
// capacity.
func (ep *Endpoint) SubscribeWithCapacity(capacity int, prefixes ...string) *Subscriber {
	if capacity <= 0 {
		capacity = ep.cfg.SubscriberCapacity
	}
	sub := newSubscriber(ep, topic.New(prefixes...), capacity)
	if !ep.routerDo(routerCmd{action: "add_sub", sub: sub}) {
		sub.closeForShutdown()
	}
	return sub
}

func (ep *Endpoint) dropSubscriber(sub *Subscriber) {
	ep.routerDo(routerCmd{action: "drop_sub", sub: sub})
}

func (ep *Endpoint) setPeerFilter(id uuid.UUID, f topic.Filter) {
	ep.routerDo(routerCmd{action: "set_peer_filter", peerID: id, filter: f})
}

func (ep *Endpoint) dropPeerFilter(id uuid.UUID) {
	ep.routerDo(routerCmd{action: "drop_peer", peerID: id})
}

// PeerFilter returns the last filter received from the given peer.
func (ep *Endpoint) PeerFilter(id uuid.UUID) topic.Filter {
	reply := make(chan interface{}, 1)
	if !ep.routerSend(routerCmd{action: "peer_filter", peerID: id, reply: reply}) {
		return nil
	}
	f, _ := (<-reply).(topic.Filter)
	return f
}

// LocalFilter returns the union of all live subscriber filters, as
// advertised to peers.
func (ep *Endpoint) LocalFilter() topic.Filter {
	reply := make(chan interface{}, 1)
	if !ep.routerSend(routerCmd{action: "local_filter", reply: reply}) {
		return nil
	}
	f, _ := (<-reply).(topic.Filter)
	return f
}

func (ep *Endpoint) routerDo(cmd routerCmd) bool {
	cmd.reply = make(chan interface{}, 1)
	if !ep.routerSend(cmd) {
		return false
	}
	select {
	case <-cmd.reply:
		return true
	case <-ep.ctx.Done():
		return false
	}
}

func (ep *Endpoint) routerSend(cmd routerCmd) bool {
	select {
	case ep.routerCmds <- cmd:
		return true
	case <-ep.ctx.Done():
		return false
	}
}

func (ep *Endpoint) dial(ctx context.Context, addr string) (net.Conn, error) {
	return ep.dialer.DialContext(ctx, "tcp", addr)
}

// exchangeHello runs the symmetric handshake on a fresh connection: both
// sides send HELLO, each answers with HELLO_ACK, and the exchange is
// complete when both the remote HELLO and the remote ACK have arrived.
func (ep *Endpoint) exchangeHello(conn net.Conn) (*helloFrame, error) {
	conn.SetDeadline(time.Now().Add(defaultHandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	local := helloFrame{
		Version: defaultProtocolVersion,
		UUID:    ep.id,
		Filter:  ep.LocalFilter(),
	}
	if err := writeFrame(conn, frameHello, local.marshal()); err != nil {
		return nil, err
	}

	var remote *helloFrame
	acked := false
	for remote == nil || !acked {
		typ, payload, err := readFrame(conn)
		if err != nil {
			return nil, err
		}
		switch typ {
		case frameHello:
			var h helloFrame
			if err := h.unmarshal(payload); err != nil {
				return nil, err
			}
			if h.Version != defaultProtocolVersion {
				return nil, fmt.Errorf("%w: remote speaks %d, local %d",
					errVersionMismatch, h.Version, defaultProtocolVersion)
			}
			remote = &h
			if err := writeFrame(conn, frameHelloAck, helloAckFrame{UUID: ep.id}.marshal()); err != nil {
				return nil, err
			}
		case frameHelloAck:
			var a helloAckFrame
			if err := a.unmarshal(payload); err != nil {
				return nil, err
			}
			acked = true
		default:
			return nil, fmt.Errorf("%w: frame type %d during handshake", errBadFrame, typ)
		}
	}
	return remote, nil
}

// installPeer completes a handshake: it validates the remote identity,
// registers the peer, installs its filter, and emits peer_added.
func (ep *Endpoint) installPeer(p *Peer, conn net.Conn, hello *helloFrame) error {
	if hello.UUID == ep.id {
		return fmt.Errorf("meshbus: remote advertises our own uuid %s", hello.UUID)
	}
	ep.peersMu.Lock()
	if existing, ok := ep.peersByID[hello.UUID]; ok && existing != p {
		ep.peersMu.Unlock()
		return fmt.Errorf("meshbus: uuid %s already peered", hello.UUID)
	}
	p.mu.Lock()
	p.id = hello.UUID
	p.conn = conn
	p.status = PeerPeered
	p.lastHandshake = ep.clock.Now()
	p.mu.Unlock()
	ep.peersByID[hello.UUID] = p
	ep.peersMu.Unlock()

	p.resetCredit()
	p.consumed.Store(0)
	p.pingOutstanding.Store(false)
	p.clearFailure()
	ep.setPeerFilter(hello.UUID, hello.Filter)
	ep.metrics.peers.Inc()
	ep.events.status(StatusPeerAdded, hello.UUID.String(), p.addr)
	ep.log.Info("peered with %s at %s", hello.UUID, p.addr)
	return nil
}

// detachPeer unwinds a dead connection: routing entries go away and
// peer_lost is emitted unless the teardown was a local unpeer or an
// endpoint shutdown.
func (ep *Endpoint) detachPeer(p *Peer, cause error) {
	id := p.peerID()
	p.mu.Lock()
	p.conn = nil
	sawGoodbye := p.sawGoodbye
	unpeered := p.unpeered
	p.mu.Unlock()

	ep.peersMu.Lock()
	if ep.peersByID[id] == p {
		delete(ep.peersByID, id)
	}
	ep.peersMu.Unlock()
	ep.dropPeerFilter(id)
	ep.metrics.peers.Dec()

	if ep.closed.Load() || unpeered {
		return
	}
	if sawGoodbye || cause != nil {
		ep.events.status(StatusPeerLost, id.String(), p.addr)
		ep.log.Info("lost peer %s at %s", id, p.addr)
	}
}

// discoveredPublisher emits endpoint_discovered the first time a store
// event from an unknown endpoint passes through. Router-owned.
func (ep *Endpoint) discoveredPublisher(id uuid.UUID) {
	if id == ep.id {
		return
	}
	if _, ok := ep.knownPublishers[id]; ok {
		return
	}
	ep.knownPublishers[id] = struct{}{}
	ep.peersMu.RLock()
	_, direct := ep.peersByID[id]
	ep.peersMu.RUnlock()
	if !direct {
		ep.events.status(StatusEndpointDiscovered, id.String(), "")
	}
}

// Close shuts the endpoint down: the listener stops, queued messages are
// given a moment to flush, GOODBYE goes to every still-connected peer,
// and pending blocking calls fail with shutdown_in_progress.
func (ep *Endpoint) Close() error {
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if ep.listener != nil {
		err = multierr.Append(err, ep.listener.Close())
	}

	// let the router drain what publishers already handed over
	ep.drainPublishQueue()

	ep.peersMu.Lock()
	peers := make([]*Peer, 0, len(ep.peersByAddr))
	for _, p := range ep.peersByAddr {
		peers = append(peers, p)
	}
	for _, p := range ep.peersByID {
		if p.dials {
			continue // already collected via peersByAddr
		}
		peers = append(peers, p)
	}
	ep.peersByAddr = make(map[string]*Peer)
	ep.peersMu.Unlock()

	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			p.stop()
			return nil
		})
	}
	err = multierr.Append(err, g.Wait())

	ep.routerDo(routerCmd{action: "close_subs"})
	ep.cancel()
	ep.wg.Wait()
	ep.events.close()
	return err
}

// drainPublishQueue gives the router a bounded window to empty the
// publish queue before teardown.
func (ep *Endpoint) drainPublishQueue() {
	deadline := ep.clock.Now().Add(time.Second)
	for len(ep.publishCh) > 0 && ep.clock.Now().Before(deadline) {
		ep.clock.Sleep(5 * time.Millisecond)
	}
}
