// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/topic"
)

// Frame types. Every frame on the wire is len:u32 || type:u8 || payload,
// with len counting the type byte plus the payload.
const (
	frameHello         byte = 1
	frameHelloAck      byte = 2
	frameGoodbye       byte = 3
	framePing          byte = 4
	framePong          byte = 5
	frameFilterUpdate  byte = 6
	frameData          byte = 7
	frameCredit        byte = 8
	frameStoreCommand  byte = 9
	frameStoreEvent    byte = 10
	frameStoreRequest  byte = 11
	frameStoreResponse byte = 12
)

// maxFrameSize caps a single frame; larger length prefixes are treated as
// protocol errors rather than allocation requests.
const maxFrameSize = 256 << 20

var errBadFrame = fmt.Errorf("meshbus: malformed frame")

func writeFrame(w io.Writer, typ byte, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(1+len(payload)))
	hdr[4] = typ
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameSize {
		return 0, nil, fmt.Errorf("%w: length %d", errBadFrame, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// helloFrame opens the handshake in both directions.
type helloFrame struct {
	Version uint32       // protocol version
	UUID    uuid.UUID    // sender endpoint identity
	Filter  topic.Filter // sender's initial subscription filter
}

func (h helloFrame) marshal() []byte {
	out := binary.LittleEndian.AppendUint32(nil, h.Version)
	out = append(out, h.UUID[:]...)
	return appendFilter(out, h.Filter)
}

func (h *helloFrame) unmarshal(b []byte) error {
	if len(b) < 20 {
		return fmt.Errorf("%w: hello too short", errBadFrame)
	}
	h.Version = binary.LittleEndian.Uint32(b)
	copy(h.UUID[:], b[4:20])
	f, rest, err := decodeFilter(b[20:])
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes after hello", errBadFrame)
	}
	h.Filter = f
	return nil
}

// helloAckFrame completes the handshake.
type helloAckFrame struct {
	UUID uuid.UUID
}

func (h helloAckFrame) marshal() []byte {
	out := make([]byte, 16)
	copy(out, h.UUID[:])
	return out
}

func (h *helloAckFrame) unmarshal(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("%w: hello_ack length %d", errBadFrame, len(b))
	}
	copy(h.UUID[:], b)
	return nil
}

// pingFrame is a keep-alive probe; a pong echoes the token.
type pingFrame struct {
	Token uint64
}

func (p pingFrame) marshal() []byte {
	return binary.LittleEndian.AppendUint64(nil, p.Token)
}

func (p *pingFrame) unmarshal(b []byte) error {
	if len(b) != 8 {
		return fmt.Errorf("%w: ping length %d", errBadFrame, len(b))
	}
	p.Token = binary.LittleEndian.Uint64(b)
	return nil
}

// creditFrame replenishes the sender's flow-control window.
type creditFrame struct {
	Amount uint32
}

func (c creditFrame) marshal() []byte {
	return binary.LittleEndian.AppendUint32(nil, c.Amount)
}

func (c *creditFrame) unmarshal(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("%w: credit length %d", errBadFrame, len(b))
	}
	c.Amount = binary.LittleEndian.Uint32(b)
	return nil
}

func appendFilter(dst []byte, f topic.Filter) []byte {
	vec := make(data.Vector, 0, len(f))
	for _, p := range f {
		vec = append(vec, data.String(p))
	}
	return data.Append(dst, vec)
}

func decodeFilter(b []byte) (topic.Filter, []byte, error) {
	v, rest, err := data.Decode(b)
	if err != nil {
		return nil, nil, err
	}
	vec, ok := v.(data.Vector)
	if !ok {
		return nil, nil, fmt.Errorf("%w: filter is not a vector", errBadFrame)
	}
	var f topic.Filter
	for _, e := range vec {
		s, ok := e.(data.String)
		if !ok {
			return nil, nil, fmt.Errorf("%w: filter element is not a string", errBadFrame)
		}
		f = f.Add(string(s))
	}
	return f, rest, nil
}

// message is a routed unit inside the engine: a data publication or a
// store overlay frame. The encoded body is kept verbatim so forwarding a
// message to further peers never re-encodes it.
type message struct {
	frameType byte
	topic     string
	hops      uint16
	payload   []byte        // DATA: encode(value); store frames: body after hops
	value     data.Value    // decoded lazily for local delivery
	store     *StoreMessage // parsed store body for local delivery
	from      uuid.UUID     // immediate sender, uuid.Nil when published locally
}

// marshal renders the routed frame payload: hops:u16 || frame body.
func (m *message) marshal(hops uint16) []byte {
	var out []byte
	switch m.frameType {
	case frameData:
		out = binary.LittleEndian.AppendUint16(nil, hops)
		out = data.Append(out, data.String(m.topic))
		out = append(out, m.payload...)
	default:
		out = binary.LittleEndian.AppendUint16(nil, hops)
		out = append(out, m.payload...)
	}
	return out
}

func parseDataFrame(b []byte) (*message, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: data frame too short", errBadFrame)
	}
	hops := binary.LittleEndian.Uint16(b)
	v, rest, err := data.Decode(b[2:])
	if err != nil {
		return nil, err
	}
	t, ok := v.(data.String)
	if !ok || len(t) == 0 {
		return nil, fmt.Errorf("%w: data topic is not a string", errBadFrame)
	}
	// validate the value without materializing it
	if _, tail, err := data.DecodeView(rest); err != nil {
		return nil, err
	} else if len(tail) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after data value", errBadFrame)
	}
	return &message{
		frameType: frameData,
		topic:     string(t),
		hops:      hops,
		payload:   rest,
	}, nil
}

// decodedValue decodes the message payload into an owning value.
func (m *message) decodedValue() data.Value {
	if m.value == nil && m.frameType == frameData {
		v, _, err := data.Decode(m.payload)
		if err != nil {
			// the payload was validated on arrival
			panic("meshbus: corrupt data payload: " + err.Error())
		}
		m.value = v
	}
	return m.value
}

// StoreFrameKind discriminates the four store overlay frames.
type StoreFrameKind uint8

const (
	StoreCommand StoreFrameKind = iota + 1
	StoreEvent
	StoreRequest
	StoreResponse
)

func (k StoreFrameKind) frameType() byte {
	switch k {
	case StoreCommand:
		return frameStoreCommand
	case StoreEvent:
		return frameStoreEvent
	case StoreRequest:
		return frameStoreRequest
	default:
		return frameStoreResponse
	}
}

// Topic returns the reserved topic the kind rides on for the named store:
// commands and requests flow to the master, events and responses to the
// clones.
func (k StoreFrameKind) Topic(store string) string {
	switch k {
	case StoreCommand, StoreRequest:
		return topic.MasterTopic(store)
	default:
		return topic.CloneTopic(store)
	}
}

// StoreMessage is the generic store overlay frame body. The store package
// assigns meaning to Tag and Args; the engine only routes it.
type StoreMessage struct {
	Kind      StoreFrameKind
	Store     string      // store name
	Publisher uuid.UUID   // originating endpoint
	Seq       uint64      // command/event sequence or request id
	Tag       uint8       // operation tag, interpreted by the store package
	Args      data.Vector // operation operands
}

func (sm *StoreMessage) marshalBody() []byte {
	out := make([]byte, 0, 64)
	out = append(out, sm.Publisher[:]...)
	out = binary.LittleEndian.AppendUint64(out, sm.Seq)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(sm.Store)))
	out = append(out, sm.Store...)
	out = append(out, sm.Tag)
	return data.Append(out, sm.Args)
}

func parseStoreFrame(frameType byte, b []byte) (*message, error) {
	if len(b) < 2+16+8+4 {
		return nil, fmt.Errorf("%w: store frame too short", errBadFrame)
	}
	hops := binary.LittleEndian.Uint16(b)
	body := b[2:]

	sm := &StoreMessage{}
	switch frameType {
	case frameStoreCommand:
		sm.Kind = StoreCommand
	case frameStoreEvent:
		sm.Kind = StoreEvent
	case frameStoreRequest:
		sm.Kind = StoreRequest
	case frameStoreResponse:
		sm.Kind = StoreResponse
	}
	copy(sm.Publisher[:], body[:16])
	sm.Seq = binary.LittleEndian.Uint64(body[16:24])
	nameLen := binary.LittleEndian.Uint32(body[24:28])
	if uint64(28+nameLen+1) > uint64(len(body)) {
		return nil, fmt.Errorf("%w: store name overruns frame", errBadFrame)
	}
	sm.Store = string(body[28 : 28+nameLen])
	if sm.Store == "" {
		return nil, fmt.Errorf("%w: empty store name", errBadFrame)
	}
	sm.Tag = body[28+nameLen]
	v, rest, err := data.Decode(body[28+nameLen+1:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after store args", errBadFrame)
	}
	args, ok := v.(data.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: store args are not a vector", errBadFrame)
	}
	sm.Args = args

	return &message{
		frameType: frameType,
		topic:     sm.Kind.Topic(sm.Store),
		hops:      hops,
		payload:   body,
		store:     sm,
	}, nil
}
