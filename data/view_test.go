// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewScalars(t *testing.T) {
	enc := Encode(Count(42))
	v, rest, err := DecodeView(enc)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, KindCount, v.Kind())
	assert.Equal(t, uint64(42), v.Count())

	v, _, err = DecodeView(Encode(String("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), v.StringBytes())

	v, _, err = DecodeView(Encode(Real(2.5)))
	require.NoError(t, err)
	assert.Equal(t, 2.5, v.Real())

	addr := netip.MustParseAddr("10.1.2.3")
	v, _, err = DecodeView(Encode(AddressFrom(addr)))
	require.NoError(t, err)
	assert.Equal(t, addr, v.Addr())

	v, _, err = DecodeView(Encode(Port{Number: 22, Proto: ProtoTCP}))
	require.NoError(t, err)
	num, proto := v.Port()
	assert.Equal(t, uint16(22), num)
	assert.Equal(t, ProtoTCP, proto)
}

func TestViewContainers(t *testing.T) {
	vec := Vector{Count(1), String("two"), Vector{Integer(-3)}}
	v, _, err := DecodeView(Encode(vec))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Len())

	it := v.Iter()
	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first.Count())
	second, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("two"), second.StringBytes())
	third, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, KindVector, third.Kind())
	_, ok = it.Next()
	assert.False(t, ok)
}

func TestViewTableEntries(t *testing.T) {
	tab := NewTable(
		Entry{Key: String("a"), Value: Count(1)},
		Entry{Key: String("b"), Value: Count(2)},
	)
	v, _, err := DecodeView(Encode(tab))
	require.NoError(t, err)
	assert.Equal(t, 2, v.Len())

	it := v.Iter()
	k, val, ok := it.NextEntry()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), k.StringBytes())
	assert.Equal(t, uint64(1), val.Count())
	k, val, ok = it.NextEntry()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), k.StringBytes())
	assert.Equal(t, uint64(2), val.Count())
	_, _, ok = it.NextEntry()
	assert.False(t, ok)
}

func TestViewMaterialize(t *testing.T) {
	for _, v := range sampleValues() {
		view, _, err := DecodeView(Encode(v))
		require.NoError(t, err, "%s", v.Kind())
		assert.True(t, Equal(v, view.Materialize()), "%s", v.Kind())
	}
}

func TestViewValidatesLikeDecode(t *testing.T) {
	bad := [][]byte{
		{},
		{0xFF},
		{byte(KindString), 2, 0, 0, 0, 0xFF, 0xFE},
		{byte(KindAddress), 7, 0, 0, 0, 0, 0, 0, 0},
		{byte(KindSubnet), 4, 10, 0, 0, 0, 200},
	}
	for _, b := range bad {
		_, _, err := DecodeView(b)
		assert.ErrorIs(t, err, ErrFormat, "%x", b)
	}
}

func TestCompareViewValue(t *testing.T) {
	for _, v := range sampleValues() {
		view, _, err := DecodeView(Encode(v))
		require.NoError(t, err)
		assert.Zero(t, CompareViewValue(view, v), "%s compared to itself", v.Kind())
		assert.True(t, EqualViewValue(view, v))
	}

	view, _, err := DecodeView(Encode(Count(1)))
	require.NoError(t, err)
	assert.Less(t, CompareViewValue(view, Count(2)), 0)
	assert.Greater(t, CompareViewValue(view, Count(0)), 0)
	assert.False(t, EqualViewValue(view, String("1")))
}
