// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/meshbus/data"
)

func dialGateway(t *testing.T, ep *Endpoint, prefixes []string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewGateway(ep))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(prefixes))
	var ack wsAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, ep.ID().String(), ack.Endpoint)
	return conn
}

func TestGatewayDeliversFabricMessages(t *testing.T) {
	ep := newTestEndpoint(t)
	conn := dialGateway(t, ep, []string{"ws/out/"})

	require.NoError(t, ep.Publish("ws/out/event", data.Count(7)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsDataMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "data-message", msg.Type)
	assert.Equal(t, "ws/out/event", msg.Topic)

	v, err := data.FromJSON(msg.Data)
	require.NoError(t, err)
	assert.True(t, data.Equal(data.Count(7), v))
}

func TestGatewayPublishesClientMessages(t *testing.T) {
	ep := newTestEndpoint(t)
	sub := ep.Subscribe("ws/in/")
	defer sub.Close()

	conn := dialGateway(t, ep, []string{"nothing/"})

	raw, err := data.ToJSON(data.String("from-websocket"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(wsDataMessage{
		Type:  "data-message",
		Topic: "ws/in/event",
		Data:  json.RawMessage(raw),
	}))

	msgs, ok := sub.GetTimeout(1, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "ws/in/event", msgs[0].Topic)
	assert.True(t, data.Equal(data.String("from-websocket"), msgs[0].Data))
}

func TestGatewayRejectsMalformedData(t *testing.T) {
	ep := newTestEndpoint(t)
	conn := dialGateway(t, ep, []string{"nothing/"})

	require.NoError(t, conn.WriteJSON(wsDataMessage{
		Type:  "data-message",
		Topic: "t",
		Data:  json.RawMessage(`{"@data-type":"warp","data":1}`),
	}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var errMsg wsError
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, "error", errMsg.Type)
	assert.Equal(t, "invalid_data", errMsg.Code)
}
