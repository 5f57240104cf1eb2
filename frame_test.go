// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/topic"
)

func TestFrameReadWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frameData, []byte{1, 2, 3}))
	require.NoError(t, writeFrame(&buf, framePing, nil))

	typ, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, frameData, typ)
	assert.Equal(t, []byte{1, 2, 3}, payload)

	typ, payload, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, framePing, typ)
	assert.Empty(t, payload)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, _, err := readFrame(buf)
	assert.ErrorIs(t, err, errBadFrame)

	buf = bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, _, err = readFrame(buf)
	assert.ErrorIs(t, err, errBadFrame)
}

func TestHelloFrameRoundTrip(t *testing.T) {
	h := helloFrame{
		Version: defaultProtocolVersion,
		UUID:    uuid.New(),
		Filter:  topic.New("zeek/", "suricata/alerts"),
	}
	var got helloFrame
	require.NoError(t, got.unmarshal(h.marshal()))
	assert.Equal(t, h.Version, got.Version)
	assert.Equal(t, h.UUID, got.UUID)
	assert.True(t, h.Filter.Equal(got.Filter))

	// an empty filter is valid in a HELLO
	h.Filter = nil
	require.NoError(t, got.unmarshal(h.marshal()))
	assert.Empty(t, got.Filter)

	assert.Error(t, got.unmarshal([]byte{1, 2, 3}))
}

func TestHelloAckPingCreditRoundTrip(t *testing.T) {
	ack := helloAckFrame{UUID: uuid.New()}
	var gotAck helloAckFrame
	require.NoError(t, gotAck.unmarshal(ack.marshal()))
	assert.Equal(t, ack.UUID, gotAck.UUID)
	assert.Error(t, gotAck.unmarshal([]byte{1}))

	ping := pingFrame{Token: 12345}
	var gotPing pingFrame
	require.NoError(t, gotPing.unmarshal(ping.marshal()))
	assert.Equal(t, ping.Token, gotPing.Token)

	credit := creditFrame{Amount: 512}
	var gotCredit creditFrame
	require.NoError(t, gotCredit.unmarshal(credit.marshal()))
	assert.Equal(t, credit.Amount, gotCredit.Amount)
}

func TestDataFrameRoundTrip(t *testing.T) {
	value := data.Vector{data.Count(1), data.String("two")}
	msg := &message{
		frameType: frameData,
		topic:     "zeek/events",
		payload:   data.Encode(value),
	}
	parsed, err := parseDataFrame(msg.marshal(3))
	require.NoError(t, err)
	assert.Equal(t, "zeek/events", parsed.topic)
	assert.Equal(t, uint16(3), parsed.hops)
	assert.True(t, data.Equal(value, parsed.decodedValue()))
}

func TestDataFrameRejectsMalformed(t *testing.T) {
	_, err := parseDataFrame([]byte{0})
	assert.Error(t, err)

	// topic must be a string value
	body := []byte{0, 0}
	body = data.Append(body, data.Count(1))
	body = data.Append(body, data.Count(2))
	_, err = parseDataFrame(body)
	assert.ErrorIs(t, err, errBadFrame)

	// trailing bytes after the value
	msg := &message{frameType: frameData, topic: "t", payload: data.Encode(data.Count(1))}
	raw := append(msg.marshal(0), 0xAA)
	_, err = parseDataFrame(raw)
	assert.ErrorIs(t, err, errBadFrame)
}

func TestStoreFrameRoundTrip(t *testing.T) {
	sm := &StoreMessage{
		Kind:      StoreCommand,
		Store:     "intel",
		Publisher: uuid.New(),
		Seq:       42,
		Tag:       7,
		Args:      data.Vector{data.String("k"), data.Count(1)},
	}
	msg := &message{
		frameType: sm.Kind.frameType(),
		topic:     sm.Kind.Topic(sm.Store),
		payload:   sm.marshalBody(),
		store:     sm,
	}
	parsed, err := parseStoreFrame(frameStoreCommand, msg.marshal(1))
	require.NoError(t, err)
	require.NotNil(t, parsed.store)
	assert.Equal(t, StoreCommand, parsed.store.Kind)
	assert.Equal(t, "intel", parsed.store.Store)
	assert.Equal(t, sm.Publisher, parsed.store.Publisher)
	assert.Equal(t, uint64(42), parsed.store.Seq)
	assert.Equal(t, uint8(7), parsed.store.Tag)
	assert.True(t, data.Equal(sm.Args, parsed.store.Args))
	assert.Equal(t, "broker/store/master/intel", parsed.topic)
}

func TestStoreFrameTopics(t *testing.T) {
	assert.Equal(t, topic.MasterTopic("s"), StoreCommand.Topic("s"))
	assert.Equal(t, topic.MasterTopic("s"), StoreRequest.Topic("s"))
	assert.Equal(t, topic.CloneTopic("s"), StoreEvent.Topic("s"))
	assert.Equal(t, topic.CloneTopic("s"), StoreResponse.Topic("s"))
}

func TestStoreFrameRejectsEmptyName(t *testing.T) {
	sm := &StoreMessage{Kind: StoreEvent, Store: "", Seq: 1, Tag: 1, Args: data.Vector{}}
	msg := &message{frameType: frameStoreEvent, payload: sm.marshalBody()}
	_, err := parseStoreFrame(frameStoreEvent, msg.marshal(0))
	assert.ErrorIs(t, err, errBadFrame)
}
