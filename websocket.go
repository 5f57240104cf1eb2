// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/destiny/meshbus/data"
)

// Gateway bridges JSON-encoded data messages between websocket clients
// and the fabric. A client opens the socket, sends a JSON array of topic
// prefixes to subscribe, receives an ack, and then exchanges data
// messages: incoming client messages are published, matching fabric
// messages are pushed down the socket.
type Gateway struct {
	ep       *Endpoint
	log      *Logger
	upgrader websocket.Upgrader
}

// NewGateway creates a websocket gateway on the given endpoint. Mount it
// on an http.ServeMux.
func NewGateway(ep *Endpoint) *Gateway {
	return &Gateway{
		ep:  ep,
		log: ep.log.Named("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// wsAck is the handshake acknowledgment sent after the subscribe list.
type wsAck struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
	Version  string `json:"version"`
}

// wsDataMessage is one data message on the socket, in either direction.
type wsDataMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// wsError reports a per-message failure without closing the socket.
type wsError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Context string `json:"context"`
}

// wsSession serializes writes on one websocket connection; the read and
// write loops both produce frames.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	sess := &wsSession{conn: conn}

	// the first client frame is the subscribe list
	var prefixes []string
	if err := conn.ReadJSON(&prefixes); err != nil {
		g.log.Debug("subscribe list: %v", err)
		return
	}
	sub := g.ep.Subscribe(prefixes...)
	defer sub.Close()

	ack := wsAck{Type: "ack", Endpoint: g.ep.id.String(), Version: "1"}
	if err := sess.writeJSON(ack); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.readLoop(sess)
	}()
	g.writeLoop(sess, sub, done)
}

// readLoop publishes client messages into the fabric.
func (g *Gateway) readLoop(sess *wsSession) {
	for {
		var msg wsDataMessage
		if err := sess.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Topic == "" {
			g.sendError(sess, "invalid_topic", "message without topic")
			continue
		}
		v, err := data.FromJSON(msg.Data)
		if err != nil {
			g.sendError(sess, "invalid_data", err.Error())
			continue
		}
		if err := g.ep.Publish(msg.Topic, v); err != nil {
			g.sendError(sess, "publish_failed", err.Error())
		}
	}
}

// writeLoop pushes matching fabric messages down the socket.
func (g *Gateway) writeLoop(sess *wsSession, sub *Subscriber, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-sub.Done():
			return
		case <-sub.Ready():
		}
		for _, msg := range sub.Poll() {
			if msg.Data == nil {
				continue // store overlay traffic stays inside the fabric
			}
			raw, err := data.ToJSON(msg.Data)
			if err != nil {
				g.log.Warn("rendering %s: %v", msg.Topic, err)
				continue
			}
			out := wsDataMessage{Type: "data-message", Topic: msg.Topic, Data: raw}
			if err := sess.writeJSON(out); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) sendError(sess *wsSession, code, context string) {
	if err := sess.writeJSON(wsError{Type: "error", Code: code, Context: context}); err != nil {
		g.log.Debug("send error frame: %v", err)
	}
}

// ServeGateway is a convenience that serves the gateway at /v1/messages
// on the given address.
func ServeGateway(ep *Endpoint, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/v1/messages", NewGateway(ep))
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("meshbus: gateway: %w", err)
	}
	return nil
}
