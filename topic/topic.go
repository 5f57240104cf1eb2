// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topic defines hierarchical topic names and prefix filters.
//
// A topic is a non-empty string; hierarchy is expressed by '/' separators
// but matching is pure byte-prefix: "a/b" matches "a/bc" as well as
// "a/b/c". Callers who want segment matching append a trailing '/'.
package topic

import (
	"sort"
	"strings"
)

// Reserved prefixes carrying store overlay traffic. Each attached master,
// clone or frontend subscribes to its store's full topic under one of
// these prefixes, so that topic is part of the filter advertised on the
// wire.
const (
	MasterPrefix = "broker/store/master/"
	ClonePrefix  = "broker/store/clone/"
)

// MasterTopic returns the command topic of the named store's master.
func MasterTopic(store string) string { return MasterPrefix + store }

// CloneTopic returns the event topic of the named store's clones.
func CloneTopic(store string) string { return ClonePrefix + store }

// PrefixOf reports whether p is a byte-prefix of t.
func PrefixOf(p, t string) bool {
	return len(p) <= len(t) && t[:len(p)] == p
}

// Filter is a canonical set of topic prefixes: no element is a prefix of
// another, and elements are sorted. The zero value is the empty filter,
// which matches nothing.
type Filter []string

// New builds a canonical filter from the given prefixes.
func New(prefixes ...string) Filter {
	var f Filter
	for _, p := range prefixes {
		f = f.Add(p)
	}
	return f
}

// Add returns the filter with p included. If an existing element already
// subsumes p the filter is returned unchanged; elements subsumed by p are
// removed. Empty prefixes are ignored.
func (f Filter) Add(p string) Filter {
	if p == "" {
		return f
	}
	out := make(Filter, 0, len(f)+1)
	for _, q := range f {
		if PrefixOf(q, p) {
			// q subsumes p, nothing to do
			return f
		}
		if !PrefixOf(p, q) {
			out = append(out, q)
		}
	}
	out = append(out, p)
	sort.Strings(out)
	return out
}

// Remove returns the filter with an exact-match element p removed.
func (f Filter) Remove(p string) Filter {
	for i, q := range f {
		if q == p {
			out := make(Filter, 0, len(f)-1)
			out = append(out, f[:i]...)
			out = append(out, f[i+1:]...)
			return out
		}
	}
	return f
}

// Union returns the canonical union of f and other.
func (f Filter) Union(other Filter) Filter {
	out := f.Clone()
	for _, p := range other {
		out = out.Add(p)
	}
	return out
}

// Matches reports whether some element of the filter is a prefix of t.
func (f Filter) Matches(t string) bool {
	// elements are sorted, so the candidate subsumer of t is the last
	// element not greater than t
	i := sort.SearchStrings(f, t)
	if i < len(f) && f[i] == t {
		return true
	}
	return i > 0 && PrefixOf(f[i-1], t)
}

// Equal reports whether two canonical filters hold the same prefixes.
func (f Filter) Equal(other Filter) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}

// Contains reports whether p is an exact element of the filter.
func (f Filter) Contains(p string) bool {
	i := sort.SearchStrings(f, p)
	return i < len(f) && f[i] == p
}

// Clone returns an independent copy of the filter.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	out := make(Filter, len(f))
	copy(out, f)
	return out
}

// Diff compares the receiver against an older filter and returns the
// prefixes added and removed, for incremental routing index updates.
func (f Filter) Diff(old Filter) (added, removed []string) {
	for _, p := range f {
		if !old.Contains(p) {
			added = append(added, p)
		}
	}
	for _, p := range old {
		if !f.Contains(p) {
			removed = append(removed, p)
		}
	}
	return added, removed
}

// String renders the filter for logs.
func (f Filter) String() string {
	return "[" + strings.Join(f, ", ") + "]"
}
