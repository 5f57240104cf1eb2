// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"encoding/binary"
	"math"
	"net/netip"
)

// Encode serializes a value to its deterministic wire form.
func Encode(v Value) []byte {
	return Append(nil, v)
}

// Append serializes a value, appending the wire form to dst.
//
// Fields are little-endian except Real, which is serialized as its
// IEEE-754 bit pattern in network byte order. Composite kinds encode as
// tag || count:u32 || elements, with table elements written key || value
// in key order.
func Append(dst []byte, v Value) []byte {
	dst = append(dst, byte(v.Kind()))
	switch av := v.(type) {
	case None:
		// tag only
	case Boolean:
		if av {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case Count:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(av))
	case Integer:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(av))
	case Real:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(av)))
	case String:
		dst = appendBytes(dst, []byte(av))
	case Address:
		dst = appendAddr(dst, netip.Addr(av))
	case Subnet:
		dst = appendAddr(dst, netip.Addr(av.Network))
		dst = append(dst, av.Length)
	case Port:
		dst = binary.LittleEndian.AppendUint16(dst, av.Number)
		dst = append(dst, byte(av.Proto))
	case Timestamp:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(av))
	case Timespan:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(av))
	case Enum:
		dst = appendBytes(dst, []byte(av))
	case Set:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(av.elems)))
		for _, e := range av.elems {
			dst = Append(dst, e)
		}
	case Table:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(av.entries)))
		for _, e := range av.entries {
			dst = Append(dst, e.Key)
			dst = Append(dst, e.Value)
		}
	case Vector:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(av)))
		for _, e := range av {
			dst = Append(dst, e)
		}
	}
	return dst
}

func appendBytes(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func appendAddr(dst []byte, a netip.Addr) []byte {
	raw := a.Unmap().AsSlice()
	if len(raw) == 0 {
		// zero Address encodes as the IPv4 any-address
		raw = []byte{0, 0, 0, 0}
	}
	dst = append(dst, byte(len(raw)))
	return append(dst, raw...)
}
