// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/destiny/meshbus/topic"
)

// PeerStatus is the connection state of a peer record.
type PeerStatus int32

const (
	PeerInitialized PeerStatus = iota
	PeerConnecting
	PeerReconnecting
	PeerPeered
	PeerDisconnected
	PeerUnknown
)

// String returns the status name.
func (s PeerStatus) String() string {
	switch s {
	case PeerInitialized:
		return "initialized"
	case PeerConnecting:
		return "connecting"
	case PeerReconnecting:
		return "reconnecting"
	case PeerPeered:
		return "peered"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// outFrame is a control frame queued for a peer's send loop.
type outFrame struct {
	typ     byte
	payload []byte
}

// Peer is the actor for one remote endpoint: it owns the connection, the
// outbound buffer, the credit window, and the keep-alive state. Routed
// messages are gated by credit; control frames are not.
type Peer struct {
	ep    *Endpoint
	log   *Logger
	addr  string        // host:port
	retry time.Duration // reconnect interval, 0 disables retry
	dials bool          // whether this side initiates connections

	mu            sync.Mutex
	id            uuid.UUID
	status        PeerStatus
	conn          net.Conn
	lastHandshake time.Time
	unpeered      bool // local explicit unpeer
	sawGoodbye    bool // remote explicit unpeer
	protoErr      bool // protocol violation, retry suppressed

	outbound chan *message // pending routed messages, survives reconnects
	control  chan outFrame

	creditMu   sync.Mutex
	credit     int64
	creditCond *sync.Cond
	consumed   atomic.Int64 // messages consumed since the last CREDIT sent

	wmu sync.Mutex // serializes frame writes on the connection

	pingOutstanding atomic.Bool
	pingSentAt      atomic.Int64 // unix nanos
	lastWriteAt     atomic.Int64 // unix nanos

	failureSignaled bool // peer_unavailable already emitted this streak

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPeer(ep *Endpoint, addr string, retry time.Duration, dials bool) *Peer {
	ctx, cancel := context.WithCancel(ep.ctx)
	p := &Peer{
		ep:       ep,
		log:      ep.log.Named("peer"),
		addr:     addr,
		retry:    retry,
		dials:    dials,
		status:   PeerInitialized,
		outbound: make(chan *message, ep.cfg.PeerBufferCapacity),
		control:  make(chan outFrame, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.creditCond = sync.NewCond(&p.creditMu)
	return p
}

// UUID returns the remote endpoint's identity, zero before the first
// completed handshake.
func (p *Peer) UUID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Addr returns the peer's network address as host:port.
func (p *Peer) Addr() string { return p.addr }

// Status returns the peer's connection state.
func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Peer) setStatus(s PeerStatus) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Peer) setProtoErr() {
	p.mu.Lock()
	p.protoErr = true
	p.mu.Unlock()
}

// enqueue places a routed message on the peer's outbound buffer, blocking
// when the buffer is full. Remote-bound messages are never dropped; a full
// buffer backpressures the publisher.
func (p *Peer) enqueue(msg *message) {
	select {
	case p.outbound <- msg:
	case <-p.ctx.Done():
	}
}

func (p *Peer) sendControl(typ byte, payload []byte) {
	select {
	case p.control <- outFrame{typ: typ, payload: payload}:
	case <-p.ctx.Done():
	}
}

func (p *Peer) sendFilterUpdate(f topic.Filter) {
	p.sendControl(frameFilterUpdate, appendFilter(nil, f))
}

// connectLoop drives the dialing side: connect, handshake, run the
// connection, and retry on failure while a retry interval is configured.
func (p *Peer) connectLoop() {
	defer p.wg.Done()
	defer p.cancel()

	for {
		p.setStatus(PeerConnecting)
		conn, err := p.ep.dial(p.ctx, p.addr)
		if err != nil {
			p.signalFailure(err)
			if !p.backoff() {
				p.finish()
				return
			}
			continue
		}
		p.runConn(conn)
		if p.done() || !p.backoff() {
			p.finish()
			return
		}
	}
}

// runConn performs the handshake and runs the send/receive loops until
// the connection dies. A nil error means a clean shutdown (goodbye or
// local teardown).
func (p *Peer) runConn(conn net.Conn) error {
	hello, err := p.ep.exchangeHello(conn)
	if err != nil {
		conn.Close()
		if errors.Is(err, errVersionMismatch) {
			p.setProtoErr()
			p.ep.events.error(ErrPeerIncompatible, p.addr+": "+err.Error())
		} else if p.ctx.Err() == nil {
			p.ep.events.error(ErrPeerDisconnectDuringHandshake, p.addr+": "+err.Error())
		}
		return err
	}
	if err := p.ep.installPeer(p, conn, hello); err != nil {
		conn.Close()
		p.setProtoErr()
		p.ep.events.error(ErrPeerInvalid, p.addr+": "+err.Error())
		return err
	}

	connCtx, connCancel := context.WithCancel(p.ctx)
	var once sync.Once
	var cause error
	fail := func(err error) {
		once.Do(func() {
			cause = err
			connCancel()
			conn.Close()
			p.wakeCredit() // a sender parked on credit must observe the dead conn
		})
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		fail(p.sendLoop(connCtx, conn))
	}()
	go func() {
		defer loops.Done()
		fail(p.recvLoop(connCtx, conn))
	}()
	loops.Wait()
	connCancel()

	p.ep.detachPeer(p, cause)
	return cause
}

// sendLoop writes queued frames, gates routed messages on credit, sends
// keep-alive pings after write silence, and replenishes the remote's
// credit every credit round.
func (p *Peer) sendLoop(ctx context.Context, conn net.Conn) error {
	clk := p.ep.clock

	// advertise our receive window before any traffic
	if err := p.writeFrame(conn, frameCredit, creditFrame{Amount: uint32(cap(p.outbound))}.marshal()); err != nil {
		return err
	}

	pinger := clk.Ticker(p.ep.cfg.PingInterval / 2)
	defer pinger.Stop()
	crediter := clk.Ticker(p.ep.cfg.CreditInterval)
	defer crediter.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.control:
			if err := p.writeFrame(conn, f.typ, f.payload); err != nil {
				return err
			}
		case msg := <-p.outbound:
			if !p.takeCredit(ctx) {
				return nil
			}
			hops := msg.hops
			if msg.from != uuid.Nil {
				hops++
			}
			if err := p.writeFrame(conn, msg.frameType, msg.marshal(hops)); err != nil {
				return err
			}
		case <-crediter.C:
			if n := p.consumed.Swap(0); n > 0 {
				if err := p.writeFrame(conn, frameCredit, creditFrame{Amount: uint32(n)}.marshal()); err != nil {
					return err
				}
			}
		case <-pinger.C:
			now := clk.Now().UnixNano()
			if p.pingOutstanding.Load() {
				if now-p.pingSentAt.Load() > 2*int64(p.ep.cfg.PingInterval) {
					return fmt.Errorf("meshbus: peer %s missed keep-alive", p.addr)
				}
				continue
			}
			if now-p.lastWriteAt.Load() < int64(p.ep.cfg.PingInterval) {
				continue
			}
			p.pingSentAt.Store(now)
			p.pingOutstanding.Store(true)
			if err := p.writeFrame(conn, framePing, pingFrame{Token: uint64(now)}.marshal()); err != nil {
				return err
			}
		}
	}
}

// recvLoop reads frames and dispatches them into the engine. An EOF
// without a preceding GOODBYE counts as a transport loss.
func (p *Peer) recvLoop(ctx context.Context, conn net.Conn) error {
	for {
		typ, payload, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("meshbus: peer %s closed the connection", p.addr)
			}
			return err
		}
		switch typ {
		case frameData:
			msg, err := parseDataFrame(payload)
			if err != nil {
				p.setProtoErr()
				return err
			}
			msg.from = p.peerID()
			p.consumed.Add(1)
			p.ep.route(msg)
		case frameStoreCommand, frameStoreEvent, frameStoreRequest, frameStoreResponse:
			msg, err := parseStoreFrame(typ, payload)
			if err != nil {
				p.setProtoErr()
				return err
			}
			msg.from = p.peerID()
			p.consumed.Add(1)
			if typ == frameStoreCommand {
				p.ep.metrics.storeCommands.Inc()
			}
			p.ep.route(msg)
		case frameFilterUpdate:
			f, rest, err := decodeFilter(payload)
			if err != nil || len(rest) != 0 {
				p.setProtoErr()
				return fmt.Errorf("%w: filter update", errBadFrame)
			}
			p.ep.setPeerFilter(p.peerID(), f)
		case framePing:
			p.sendControl(framePong, payload)
		case framePong:
			p.pingOutstanding.Store(false)
		case frameCredit:
			var c creditFrame
			if err := c.unmarshal(payload); err != nil {
				p.setProtoErr()
				return err
			}
			p.addCredit(int64(c.Amount))
		case frameGoodbye:
			p.mu.Lock()
			p.sawGoodbye = true
			p.mu.Unlock()
			return nil
		default:
			p.setProtoErr()
			return fmt.Errorf("%w: unexpected frame type %d", errBadFrame, typ)
		}
	}
}

func (p *Peer) writeFrame(conn net.Conn, typ byte, payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.lastWriteAt.Store(p.ep.clock.Now().UnixNano())
	return writeFrame(conn, typ, payload)
}

// takeCredit blocks until one unit of send credit is available.
func (p *Peer) takeCredit(ctx context.Context) bool {
	p.creditMu.Lock()
	defer p.creditMu.Unlock()
	for p.credit <= 0 {
		if ctx.Err() != nil {
			return false
		}
		p.creditCond.Wait()
	}
	p.credit--
	return true
}

func (p *Peer) addCredit(n int64) {
	p.creditMu.Lock()
	p.credit += n
	p.creditMu.Unlock()
	p.creditCond.Broadcast()
}

// resetCredit clears the window before a reconnect; the remote advertises
// a fresh window after every handshake.
func (p *Peer) resetCredit() {
	p.creditMu.Lock()
	p.credit = 0
	p.creditMu.Unlock()
}

// wakeCredit unblocks a sender stuck in takeCredit during teardown.
func (p *Peer) wakeCredit() {
	p.creditCond.Broadcast()
}

func (p *Peer) peerID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// signalFailure emits peer_unavailable once per failure streak.
func (p *Peer) signalFailure(err error) {
	p.mu.Lock()
	signaled := p.failureSignaled
	p.failureSignaled = true
	p.mu.Unlock()
	if !signaled {
		p.ep.events.error(ErrPeerUnavailable, p.addr+": "+err.Error())
	}
	p.log.Debug("connect to %s failed: %v", p.addr, err)
}

func (p *Peer) clearFailure() {
	p.mu.Lock()
	p.failureSignaled = false
	p.mu.Unlock()
}

// backoff sleeps for the retry interval, reporting false when the peer
// should stop retrying.
func (p *Peer) backoff() bool {
	if p.retry <= 0 || p.done() {
		return false
	}
	p.setStatus(PeerReconnecting)
	timer := p.ep.clock.Timer(p.retry)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// done reports whether the peer actor should stop for good.
func (p *Peer) done() bool {
	if p.ctx.Err() != nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unpeered || p.sawGoodbye || p.protoErr
}

func (p *Peer) finish() {
	p.setStatus(PeerDisconnected)
}

// unpeer tears the peer down on explicit request: GOODBYE is sent
// best-effort, retry is canceled, and peer_removed is emitted locally.
func (p *Peer) unpeer() {
	p.mu.Lock()
	if p.unpeered {
		p.mu.Unlock()
		return
	}
	p.unpeered = true
	conn := p.conn
	id := p.id
	p.mu.Unlock()

	if conn != nil {
		// unblocks any in-flight write before we take the write lock
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		p.wmu.Lock()
		writeFrame(conn, frameGoodbye, nil)
		p.wmu.Unlock()
	}
	p.cancel()
	p.wakeCredit()
	if conn != nil {
		conn.Close()
	}
	p.setStatus(PeerDisconnected)
	p.ep.events.status(StatusPeerRemoved, id.String(), p.addr)
}

// stop tears the peer down during endpoint shutdown without emitting
// unpeer events.
func (p *Peer) stop() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		p.wmu.Lock()
		writeFrame(conn, frameGoodbye, nil)
		p.wmu.Unlock()
		conn.Close()
	}
	p.cancel()
	p.wakeCredit()
	p.wg.Wait()
	p.setStatus(PeerDisconnected)
}
