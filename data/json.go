// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ToJSON renders a value as a typed JSON document of the form
// {"@data-type": <kind>, "data": <payload>}. Containers nest the same
// shape; tables render their entries as {"key": ..., "value": ...} pairs.
func ToJSON(v Value) ([]byte, error) {
	return json.Marshal(jsonValue(v))
}

// FromJSON parses a typed JSON document produced by ToJSON.
func FromJSON(b []byte) (Value, error) {
	var doc jsonDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("data: invalid json value: %w", err)
	}
	return doc.value()
}

type jsonDoc struct {
	Type string          `json:"@data-type"`
	Data json.RawMessage `json:"data"`
}

func jsonValue(v Value) map[string]interface{} {
	out := map[string]interface{}{"@data-type": v.Kind().String()}
	switch av := v.(type) {
	case None:
		out["data"] = nil
	case Boolean:
		out["data"] = bool(av)
	case Count:
		out["data"] = uint64(av)
	case Integer:
		out["data"] = int64(av)
	case Real:
		out["data"] = float64(av)
	case String:
		out["data"] = string(av)
	case Address:
		out["data"] = netip.Addr(av).String()
	case Subnet:
		out["data"] = fmt.Sprintf("%s/%d", netip.Addr(av.Network), av.Length)
	case Port:
		out["data"] = fmt.Sprintf("%d/%s", av.Number, av.Proto)
	case Timestamp:
		out["data"] = int64(av)
	case Timespan:
		out["data"] = int64(av)
	case Enum:
		out["data"] = string(av)
	case Set:
		out["data"] = jsonSeq(av.elems)
	case Table:
		entries := make([]interface{}, 0, len(av.entries))
		for _, e := range av.entries {
			entries = append(entries, map[string]interface{}{
				"key":   jsonValue(e.Key),
				"value": jsonValue(e.Value),
			})
		}
		out["data"] = entries
	case Vector:
		out["data"] = jsonSeq(av)
	}
	return out
}

func jsonSeq(elems []Value) []interface{} {
	out := make([]interface{}, 0, len(elems))
	for _, e := range elems {
		out = append(out, jsonValue(e))
	}
	return out
}

func (d jsonDoc) value() (Value, error) {
	switch d.Type {
	case "none":
		return None{}, nil
	case "boolean":
		var b bool
		if err := json.Unmarshal(d.Data, &b); err != nil {
			return nil, err
		}
		return Boolean(b), nil
	case "count":
		var n uint64
		if err := json.Unmarshal(d.Data, &n); err != nil {
			return nil, err
		}
		return Count(n), nil
	case "integer":
		var n int64
		if err := json.Unmarshal(d.Data, &n); err != nil {
			return nil, err
		}
		return Integer(n), nil
	case "real":
		var f float64
		if err := json.Unmarshal(d.Data, &f); err != nil {
			return nil, err
		}
		return Real(f), nil
	case "string":
		var s string
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, err
		}
		return String(s), nil
	case "address":
		var s string
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, err
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("data: invalid address %q: %w", s, err)
		}
		return AddressFrom(a), nil
	case "subnet":
		var s string
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, err
		}
		addr, lenStr, ok := strings.Cut(s, "/")
		if !ok {
			return nil, fmt.Errorf("data: invalid subnet %q", s)
		}
		a, err := netip.ParseAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("data: invalid subnet %q: %w", s, err)
		}
		length, err := strconv.ParseUint(lenStr, 10, 8)
		if err != nil || length > 128 {
			return nil, fmt.Errorf("data: invalid subnet prefix %q", s)
		}
		return Subnet{Network: AddressFrom(a), Length: uint8(length)}, nil
	case "port":
		var s string
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, err
		}
		numStr, protoStr, ok := strings.Cut(s, "/")
		if !ok {
			return nil, fmt.Errorf("data: invalid port %q", s)
		}
		num, err := strconv.ParseUint(numStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("data: invalid port %q", s)
		}
		var proto Protocol
		switch protoStr {
		case "tcp":
			proto = ProtoTCP
		case "udp":
			proto = ProtoUDP
		case "icmp":
			proto = ProtoICMP
		case "unknown":
			proto = ProtoUnknown
		default:
			return nil, fmt.Errorf("data: invalid port protocol %q", protoStr)
		}
		return Port{Number: uint16(num), Proto: proto}, nil
	case "timestamp":
		var n int64
		if err := json.Unmarshal(d.Data, &n); err != nil {
			return nil, err
		}
		return Timestamp(n), nil
	case "timespan":
		var n int64
		if err := json.Unmarshal(d.Data, &n); err != nil {
			return nil, err
		}
		return Timespan(n), nil
	case "enum":
		var s string
		if err := json.Unmarshal(d.Data, &s); err != nil {
			return nil, err
		}
		return Enum(s), nil
	case "set":
		elems, err := jsonElems(d.Data)
		if err != nil {
			return nil, err
		}
		return NewSet(elems...), nil
	case "table":
		var raw []struct {
			Key   jsonDoc `json:"key"`
			Value jsonDoc `json:"value"`
		}
		if err := json.Unmarshal(d.Data, &raw); err != nil {
			return nil, err
		}
		entries := make([]Entry, 0, len(raw))
		for _, e := range raw {
			k, err := e.Key.value()
			if err != nil {
				return nil, err
			}
			v, err := e.Value.value()
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Key: k, Value: v})
		}
		return NewTable(entries...), nil
	case "vector":
		elems, err := jsonElems(d.Data)
		if err != nil {
			return nil, err
		}
		return Vector(elems), nil
	default:
		return nil, fmt.Errorf("data: unknown json data type %q", d.Type)
	}
}

func jsonElems(raw json.RawMessage) ([]Value, error) {
	var docs []jsonDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, err
	}
	elems := make([]Value, 0, len(docs))
	for _, d := range docs {
		v, err := d.value()
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	return elems, nil
}
