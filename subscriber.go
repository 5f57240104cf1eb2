// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/topic"
)

// Message is one delivered item: a data publication, or a store overlay
// frame for consumers subscribed to the reserved store topics.
type Message struct {
	Topic string
	Data  data.Value    // nil for store overlay frames
	Store *StoreMessage // nil for data publications
}

// Subscriber is a local consumer with a bounded queue. The core router is
// the only producer; the owning goroutine is the only intended consumer.
// When the queue is full, new messages for this subscriber are dropped and
// a write_overflow event is surfaced on the endpoint's status channel.
type Subscriber struct {
	id     uuid.UUID
	filter topic.Filter
	ep     *Endpoint
	clock  clock.Clock

	mu     sync.Mutex
	queue  []Message
	cap    int
	closed bool

	ready chan struct{} // readable signal: holds a token while the queue is non-empty
	done  chan struct{} // closed on Close or endpoint shutdown
}

func newSubscriber(ep *Endpoint, filter topic.Filter, capacity int) *Subscriber {
	return &Subscriber{
		id:     uuid.New(),
		filter: filter,
		ep:     ep,
		clock:  ep.clock,
		cap:    capacity,
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Filter returns the subscriber's topic filter.
func (s *Subscriber) Filter() topic.Filter { return s.filter.Clone() }

// Ready returns a channel that carries a token whenever at least one
// message is queued, for integration with external event loops. Receiving
// the token does not consume messages; call Poll or Get to drain.
func (s *Subscriber) Ready() <-chan struct{} { return s.ready }

// Done returns a channel closed when the subscriber is revoked, by Close
// or by endpoint shutdown.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// put appends a message, reporting false when the queue is full. Called
// only by the core router.
func (s *Subscriber) put(msg Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.queue) >= s.cap {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscriber) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Poll returns all queued messages without blocking.
func (s *Subscriber) Poll() []Message {
	s.mu.Lock()
	out := s.queue
	s.queue = nil
	s.mu.Unlock()
	return out
}

// Get blocks until at least one message is available, then returns up to n
// messages. It returns nil when the subscriber is closed or the endpoint
// shuts down.
func (s *Subscriber) Get(n int) []Message {
	out, _ := s.get(n, nil)
	return out
}

// GetTimeout behaves like Get but gives up after the timeout. The boolean
// reports whether the wait was satisfied.
func (s *Subscriber) GetTimeout(n int, timeout time.Duration) ([]Message, bool) {
	timer := s.clock.Timer(timeout)
	defer timer.Stop()
	return s.get(n, timer.C)
}

func (s *Subscriber) get(n int, expired <-chan time.Time) ([]Message, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			if n > len(s.queue) {
				n = len(s.queue)
			}
			out := make([]Message, n)
			copy(out, s.queue[:n])
			s.queue = append(s.queue[:0], s.queue[n:]...)
			remaining := len(s.queue)
			s.mu.Unlock()
			if remaining > 0 {
				s.signal()
			}
			return out, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-s.ready:
		case <-s.done:
			return nil, false
		case <-expired:
			return nil, false
		}
	}
}

// Wait blocks until at least one message is available or the timeout
// elapses, reporting whether the wait was satisfied.
func (s *Subscriber) Wait(timeout time.Duration) bool {
	timer := s.clock.Timer(timeout)
	defer timer.Stop()
	return s.wait(timer.C)
}

// WaitUntil behaves like Wait with an absolute deadline.
func (s *Subscriber) WaitUntil(deadline time.Time) bool {
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return s.Wait(d)
}

func (s *Subscriber) wait(expired <-chan time.Time) bool {
	for {
		s.mu.Lock()
		n := len(s.queue)
		closed := s.closed
		s.mu.Unlock()
		if n > 0 {
			// leave the token armed for the consumer
			s.signal()
			return true
		}
		if closed {
			return false
		}
		select {
		case <-s.ready:
		case <-s.done:
			return false
		case <-expired:
			return false
		}
	}
}

// Close revokes the subscriber's queue and cancels in-flight waits. The
// endpoint is unaffected.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
	if s.ep != nil {
		s.ep.dropSubscriber(s)
	}
}

// closeForShutdown cancels waits without re-entering the endpoint.
func (s *Subscriber) closeForShutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
