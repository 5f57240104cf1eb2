// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues() []Value {
	return []Value{
		None{},
		Boolean(true),
		Boolean(false),
		Count(0),
		Count(18446744073709551615),
		Integer(-42),
		Integer(42),
		Real(3.14159),
		Real(-0.5),
		String(""),
		String("zeek/events/conn"),
		String("unicode: päck"),
		AddressFrom(netip.MustParseAddr("192.168.1.1")),
		AddressFrom(netip.MustParseAddr("2001:db8::1")),
		Subnet{Network: AddressFrom(netip.MustParseAddr("10.0.0.0")), Length: 8},
		Subnet{Network: AddressFrom(netip.MustParseAddr("2001:db8::")), Length: 64},
		Port{Number: 443, Proto: ProtoTCP},
		Port{Number: 53, Proto: ProtoUDP},
		Port{Number: 0, Proto: ProtoICMP},
		Port{Number: 8080, Proto: ProtoUnknown},
		TimestampFrom(time.Unix(1700000000, 123456789)),
		Timestamp(-1),
		TimespanFrom(90 * time.Second),
		Enum("alert::high"),
		NewSet(Count(1), Count(2), Count(3)),
		NewSet(),
		NewTable(
			Entry{Key: String("a"), Value: Count(1)},
			Entry{Key: String("b"), Value: NewSet(String("x"), String("y"))},
		),
		NewTable(),
		Vector{Count(1), String("two"), Real(3)},
		Vector{},
		Vector{Vector{Vector{Integer(-1)}}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		enc := Encode(v)
		got, rest, err := Decode(enc)
		require.NoError(t, err, "decoding %v (%s)", v, v.Kind())
		assert.Empty(t, rest, "remainder after %s", v.Kind())
		assert.True(t, Equal(v, got), "round-trip of %v (%s): got %v", v, v.Kind(), got)
	}
}

func TestDecodeConsumesExactBytes(t *testing.T) {
	for _, v := range sampleValues() {
		enc := Encode(v)
		padded := append(append([]byte{}, enc...), 0xAB, 0xCD)
		_, rest, err := Decode(padded)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xAB, 0xCD}, rest)
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, v := range sampleValues() {
		enc := Encode(v)
		for cut := 0; cut < len(enc); cut++ {
			_, _, err := Decode(enc[:cut])
			assert.ErrorIs(t, err, ErrFormat, "%s truncated to %d bytes", v.Kind(), cut)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, _, err := Decode([]byte{0xFF})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeInvalidUTF8(t *testing.T) {
	enc := []byte{byte(KindString), 2, 0, 0, 0, 0xFF, 0xFE}
	_, _, err := Decode(enc)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeBadAddressLength(t *testing.T) {
	enc := []byte{byte(KindAddress), 5, 1, 2, 3, 4, 5}
	_, _, err := Decode(enc)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeSubnetPrefixTooLarge(t *testing.T) {
	enc := []byte{byte(KindSubnet), 4, 10, 0, 0, 0, 129}
	_, _, err := Decode(enc)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeDuplicateTableKey(t *testing.T) {
	key := Encode(String("dup"))
	val1 := Encode(Count(1))
	val2 := Encode(Count(2))
	enc := []byte{byte(KindTable), 2, 0, 0, 0}
	enc = append(enc, key...)
	enc = append(enc, val1...)
	enc = append(enc, key...)
	enc = append(enc, val2...)
	_, _, err := Decode(enc)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeSetCollapsesDuplicates(t *testing.T) {
	elem := Encode(Count(7))
	enc := []byte{byte(KindSet), 2, 0, 0, 0}
	enc = append(enc, elem...)
	enc = append(enc, elem...)
	v, rest, err := Decode(enc)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, 1, v.(Set).Len())
}

func TestDecodeHostileCount(t *testing.T) {
	// count claims 4 billion elements with no bytes behind it
	enc := []byte{byte(KindVector), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := Decode(enc)
	assert.ErrorIs(t, err, ErrFormat)
}
