// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"net/netip"
	"strings"
)

// Compare orders two values. The order is total: values of different kinds
// order by kind tag, values of the same kind by kind-specific order.
// Sets and tables compare by their sorted element sequences.
func Compare(a, b Value) int {
	if a.Kind() != b.Kind() {
		return int(a.Kind()) - int(b.Kind())
	}
	switch av := a.(type) {
	case None:
		return 0
	case Boolean:
		return cmpBool(bool(av), bool(b.(Boolean)))
	case Count:
		return cmpOrdered(uint64(av), uint64(b.(Count)))
	case Integer:
		return cmpOrdered(int64(av), int64(b.(Integer)))
	case Real:
		return cmpOrdered(float64(av), float64(b.(Real)))
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Address:
		return netip.Addr(av).Compare(netip.Addr(b.(Address)))
	case Subnet:
		bv := b.(Subnet)
		if c := netip.Addr(av.Network).Compare(netip.Addr(bv.Network)); c != 0 {
			return c
		}
		return int(av.Length) - int(bv.Length)
	case Port:
		bv := b.(Port)
		if c := int(av.Number) - int(bv.Number); c != 0 {
			return c
		}
		return int(av.Proto) - int(bv.Proto)
	case Timestamp:
		return cmpOrdered(int64(av), int64(b.(Timestamp)))
	case Timespan:
		return cmpOrdered(int64(av), int64(b.(Timespan)))
	case Enum:
		return strings.Compare(string(av), string(b.(Enum)))
	case Set:
		return cmpValues(av.elems, b.(Set).elems)
	case Table:
		return cmpEntries(av.entries, b.(Table).entries)
	case Vector:
		return cmpValues(av, b.(Vector))
	}
	return 0
}

// Equal reports structural equality of two values.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpValues(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func cmpEntries(a, b []Entry) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := Compare(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
