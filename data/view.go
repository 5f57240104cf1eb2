// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"encoding/binary"
	"math"
	"net/netip"
	"unicode/utf8"
)

// View is a zero-copy reading of one encoded value. It spans the input
// buffer instead of building an owning tree, so scalar access and
// container iteration do not allocate. A View shares the buffer's
// lifetime; callers must not mutate the buffer while views over it are
// live.
type View struct {
	buf []byte // exactly one validated encoded value
}

// DecodeView validates one encoded value at the front of b and returns a
// View spanning it plus the unconsumed remainder. The same inputs that
// fail Decode fail DecodeView.
func DecodeView(b []byte) (View, []byte, error) {
	n, err := skipValue(b)
	if err != nil {
		return View{}, nil, err
	}
	return View{buf: b[:n]}, b[n:], nil
}

// Kind returns the kind of the viewed value.
func (v View) Kind() Kind { return Kind(v.buf[0]) }

// Bytes returns the raw encoded bytes of the viewed value.
func (v View) Bytes() []byte { return v.buf }

// Bool returns the viewed boolean. It panics on other kinds.
func (v View) Bool() bool {
	v.require(KindBoolean)
	return v.buf[1] != 0
}

// Count returns the viewed count. It panics on other kinds.
func (v View) Count() uint64 {
	v.require(KindCount)
	return binary.LittleEndian.Uint64(v.buf[1:])
}

// Integer returns the viewed integer. It panics on other kinds.
func (v View) Integer() int64 {
	v.require(KindInteger)
	return int64(binary.LittleEndian.Uint64(v.buf[1:]))
}

// Real returns the viewed real. It panics on other kinds.
func (v View) Real() float64 {
	v.require(KindReal)
	return math.Float64frombits(binary.BigEndian.Uint64(v.buf[1:]))
}

// StringBytes returns the viewed string's bytes without copying. It panics
// on kinds other than string and enum.
func (v View) StringBytes() []byte {
	if k := v.Kind(); k != KindString && k != KindEnum {
		panic("data: view kind mismatch: " + k.String())
	}
	n := binary.LittleEndian.Uint32(v.buf[1:])
	return v.buf[5 : 5+n]
}

// Addr returns the viewed address. It panics on other kinds.
func (v View) Addr() netip.Addr {
	v.require(KindAddress)
	a, _ := netip.AddrFromSlice(v.buf[2 : 2+int(v.buf[1])])
	return a
}

// Subnet returns the viewed subnet. It panics on other kinds.
func (v View) Subnet() (netip.Addr, uint8) {
	v.require(KindSubnet)
	n := int(v.buf[1])
	a, _ := netip.AddrFromSlice(v.buf[2 : 2+n])
	return a, v.buf[2+n]
}

// Port returns the viewed port. It panics on other kinds.
func (v View) Port() (uint16, Protocol) {
	v.require(KindPort)
	return binary.LittleEndian.Uint16(v.buf[1:]), Protocol(v.buf[3])
}

// Timestamp returns the viewed timestamp. It panics on other kinds.
func (v View) Timestamp() Timestamp {
	v.require(KindTimestamp)
	return Timestamp(binary.LittleEndian.Uint64(v.buf[1:]))
}

// Timespan returns the viewed timespan. It panics on other kinds.
func (v View) Timespan() Timespan {
	v.require(KindTimespan)
	return Timespan(binary.LittleEndian.Uint64(v.buf[1:]))
}

// Len returns the element count of a viewed set, table, or vector. It
// panics on scalar kinds.
func (v View) Len() int {
	switch v.Kind() {
	case KindSet, KindTable, KindVector:
		return int(binary.LittleEndian.Uint32(v.buf[1:]))
	default:
		panic("data: view kind mismatch: " + v.Kind().String())
	}
}

// Iter returns an iterator over a container view's elements. For tables
// the iterator yields alternating key and value views; NextEntry yields
// them pairwise.
func (v View) Iter() ViewIter {
	n := v.Len()
	if v.Kind() == KindTable {
		n *= 2
	}
	return ViewIter{rest: v.buf[5:], n: n}
}

// Materialize builds the owning Value for the viewed bytes.
func (v View) Materialize() Value {
	out, _, err := Decode(v.buf)
	if err != nil {
		// the view was validated at construction
		panic("data: corrupt view: " + err.Error())
	}
	return out
}

func (v View) require(k Kind) {
	if v.Kind() != k {
		panic("data: view kind mismatch: " + v.Kind().String())
	}
}

// ViewIter walks the elements of a container view in encoding order.
type ViewIter struct {
	rest []byte
	n    int
}

// Next returns the next element view, or ok=false when exhausted.
func (it *ViewIter) Next() (View, bool) {
	if it.n == 0 {
		return View{}, false
	}
	n, err := skipValue(it.rest)
	if err != nil {
		panic("data: corrupt view: " + err.Error())
	}
	out := View{buf: it.rest[:n]}
	it.rest = it.rest[n:]
	it.n--
	return out, true
}

// NextEntry returns the next key/value pair of a table view.
func (it *ViewIter) NextEntry() (View, View, bool) {
	k, ok := it.Next()
	if !ok {
		return View{}, View{}, false
	}
	v, ok := it.Next()
	if !ok {
		return View{}, View{}, false
	}
	return k, v, true
}

// CompareViewValue orders a view against an owned value without
// materializing the view. Views are assumed to hold canonical encodings
// (the output of Append), as produced by every conforming sender.
func CompareViewValue(v View, o Value) int {
	if v.Kind() != o.Kind() {
		return int(v.Kind()) - int(o.Kind())
	}
	switch ov := o.(type) {
	case None:
		return 0
	case Boolean:
		return cmpBool(v.Bool(), bool(ov))
	case Count:
		return cmpOrdered(v.Count(), uint64(ov))
	case Integer:
		return cmpOrdered(v.Integer(), int64(ov))
	case Real:
		return cmpOrdered(v.Real(), float64(ov))
	case String:
		return cmpBytesString(v.StringBytes(), string(ov))
	case Address:
		return v.Addr().Compare(netip.Addr(ov))
	case Subnet:
		addr, length := v.Subnet()
		if c := addr.Compare(netip.Addr(ov.Network)); c != 0 {
			return c
		}
		return int(length) - int(ov.Length)
	case Port:
		num, proto := v.Port()
		if c := int(num) - int(ov.Number); c != 0 {
			return c
		}
		return int(proto) - int(ov.Proto)
	case Timestamp:
		return cmpOrdered(int64(v.Timestamp()), int64(ov))
	case Timespan:
		return cmpOrdered(int64(v.Timespan()), int64(ov))
	case Enum:
		return cmpBytesString(v.StringBytes(), string(ov))
	case Set:
		return cmpViewSeq(v, ov.elems)
	case Table:
		it := v.Iter()
		for _, e := range ov.entries {
			k, val, ok := it.NextEntry()
			if !ok {
				return -1
			}
			if c := CompareViewValue(k, e.Key); c != 0 {
				return c
			}
			if c := CompareViewValue(val, e.Value); c != 0 {
				return c
			}
		}
		if _, _, ok := it.NextEntry(); ok {
			return 1
		}
		return 0
	case Vector:
		return cmpViewSeq(v, ov)
	}
	return 0
}

// EqualViewValue reports structural equality of a view and an owned value.
func EqualViewValue(v View, o Value) bool { return CompareViewValue(v, o) == 0 }

func cmpViewSeq(v View, elems []Value) int {
	it := v.Iter()
	for _, e := range elems {
		ev, ok := it.Next()
		if !ok {
			return -1
		}
		if c := CompareViewValue(ev, e); c != 0 {
			return c
		}
	}
	if _, ok := it.Next(); ok {
		return 1
	}
	return 0
}

func cmpBytesString(b []byte, s string) int {
	n := len(b)
	if len(s) < n {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		if b[i] != s[i] {
			if b[i] < s[i] {
				return -1
			}
			return 1
		}
	}
	return len(b) - len(s)
}

// skipValue validates one encoded value at the front of b and returns the
// number of bytes it occupies. It performs the same checks as Decode.
func skipValue(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, formatErr("truncated input: missing tag")
	}
	need := func(n int) error {
		if len(b) < n {
			return formatErr("truncated input: need %d bytes, have %d", n, len(b))
		}
		return nil
	}
	switch Kind(b[0]) {
	case KindNone:
		return 1, nil
	case KindBoolean:
		return 2, need(2)
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		return 9, need(9)
	case KindString, KindEnum:
		if err := need(5); err != nil {
			return 0, err
		}
		n := int(binary.LittleEndian.Uint32(b[1:]))
		if err := need(5 + n); err != nil {
			return 0, err
		}
		if !utf8.Valid(b[5 : 5+n]) {
			return 0, formatErr("invalid UTF-8 in string")
		}
		return 5 + n, nil
	case KindAddress:
		if err := need(2); err != nil {
			return 0, err
		}
		n := int(b[1])
		if n != 4 && n != 16 {
			return 0, formatErr("address length must be 4 or 16, got %d", n)
		}
		return 2 + n, need(2 + n)
	case KindSubnet:
		if err := need(2); err != nil {
			return 0, err
		}
		n := int(b[1])
		if n != 4 && n != 16 {
			return 0, formatErr("address length must be 4 or 16, got %d", n)
		}
		if err := need(3 + n); err != nil {
			return 0, err
		}
		if b[2+n] > 128 {
			return 0, formatErr("subnet prefix length %d exceeds 128", b[2+n])
		}
		return 3 + n, nil
	case KindPort:
		return 4, need(4)
	case KindSet, KindVector:
		return skipContainer(b, 1, false)
	case KindTable:
		return skipContainer(b, 2, true)
	default:
		return 0, formatErr("unknown tag byte 0x%02x", b[0])
	}
}

// skipContainer validates count*arity encoded values after the count
// field. For tables it also rejects duplicate keys, comparing the decoded
// keys by value as Decode does, so two encodings of one key (a boolean
// byte of 1 and of 2, say) count as duplicates.
func skipContainer(b []byte, arity int, checkKeys bool) (int, error) {
	if len(b) < 5 {
		return 0, formatErr("truncated input: need 5 bytes, have %d", len(b))
	}
	count := binary.LittleEndian.Uint32(b[1:])
	if uint64(count) > uint64(len(b)) {
		return 0, formatErr("container count %d exceeds remaining input", count)
	}
	off := 5
	var keys []Value
	for i := uint32(0); i < count; i++ {
		for j := 0; j < arity; j++ {
			n, err := skipValue(b[off:])
			if err != nil {
				return 0, err
			}
			if checkKeys && j == 0 {
				key, _, err := Decode(b[off : off+n])
				if err != nil {
					return 0, err
				}
				for _, prev := range keys {
					if Equal(prev, key) {
						return 0, formatErr("duplicate table key")
					}
				}
				keys = append(keys, key)
			}
			off += n
		}
	}
	return off, nil
}
