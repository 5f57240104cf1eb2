// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"unicode/utf8"
)

// ErrFormat is the base error for every decoding failure: truncated input,
// unknown tags, invalid UTF-8, malformed addresses, out-of-range subnet
// prefixes, and duplicate table keys all wrap it.
var ErrFormat = errors.New("data: format error")

func formatErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

// Decode reads one value from the front of b and returns it together with
// the unconsumed remainder. Decode(Encode(v)) round-trips every well-formed
// value with an empty remainder.
func Decode(b []byte) (Value, []byte, error) {
	r := reader{buf: b}
	v, err := r.value()
	if err != nil {
		return nil, nil, err
	}
	return v, r.buf, nil
}

// reader is a consuming cursor over an encoded buffer.
type reader struct {
	buf []byte
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, formatErr("truncated input: need %d bytes, have %d", n, len(r.buf))
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) value() (Value, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch Kind(tag) {
	case KindNone:
		return None{}, nil
	case KindBoolean:
		b, err := r.byte()
		if err != nil {
			return nil, err
		}
		return Boolean(b != 0), nil
	case KindCount:
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Count(n), nil
	case KindInteger:
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Integer(n), nil
	case KindReal:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		return Real(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
	case KindString:
		b, err := r.text()
		if err != nil {
			return nil, err
		}
		return String(b), nil
	case KindAddress:
		a, err := r.addr()
		if err != nil {
			return nil, err
		}
		return Address(a), nil
	case KindSubnet:
		a, err := r.addr()
		if err != nil {
			return nil, err
		}
		length, err := r.byte()
		if err != nil {
			return nil, err
		}
		if length > 128 {
			return nil, formatErr("subnet prefix length %d exceeds 128", length)
		}
		return Subnet{Network: Address(a), Length: length}, nil
	case KindPort:
		num, err := r.u16()
		if err != nil {
			return nil, err
		}
		proto, err := r.byte()
		if err != nil {
			return nil, err
		}
		return Port{Number: num, Proto: Protocol(proto)}, nil
	case KindTimestamp:
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Timestamp(n), nil
	case KindTimespan:
		n, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Timespan(n), nil
	case KindEnum:
		b, err := r.text()
		if err != nil {
			return nil, err
		}
		return Enum(b), nil
	case KindSet:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		s := Set{}
		for i := uint32(0); i < n; i++ {
			e, err := r.value()
			if err != nil {
				return nil, err
			}
			// duplicates collapse silently
			s.elems = insertSorted(s.elems, e)
		}
		return s, nil
	case KindTable:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		t := Table{}
		for i := uint32(0); i < n; i++ {
			k, err := r.value()
			if err != nil {
				return nil, err
			}
			v, err := r.value()
			if err != nil {
				return nil, err
			}
			if _, dup := searchEntries(t.entries, k); dup {
				return nil, formatErr("duplicate table key")
			}
			t.entries = putEntry(t.entries, Entry{Key: k, Value: v})
		}
		return t, nil
	case KindVector:
		n, err := r.count()
		if err != nil {
			return nil, err
		}
		vec := make(Vector, 0, minCap(n))
		for i := uint32(0); i < n; i++ {
			e, err := r.value()
			if err != nil {
				return nil, err
			}
			vec = append(vec, e)
		}
		return vec, nil
	default:
		return nil, formatErr("unknown tag byte 0x%02x", tag)
	}
}

func (r *reader) count() (uint32, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	// every element costs at least a tag byte
	if uint64(n) > uint64(len(r.buf)) {
		return 0, formatErr("container count %d exceeds remaining input", n)
	}
	return n, nil
}

func (r *reader) text() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(b) {
		return nil, formatErr("invalid UTF-8 in string")
	}
	return b, nil
}

func (r *reader) addr() (netip.Addr, error) {
	n, err := r.byte()
	if err != nil {
		return netip.Addr{}, err
	}
	if n != 4 && n != 16 {
		return netip.Addr{}, formatErr("address length must be 4 or 16, got %d", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return netip.Addr{}, err
	}
	a, _ := netip.AddrFromSlice(b)
	return a, nil
}

// minCap bounds pre-allocation so a hostile count field cannot balloon
// memory before the element decode fails.
func minCap(n uint32) int {
	if n > 1024 {
		return 1024
	}
	return int(n)
}
