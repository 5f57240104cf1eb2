// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	for _, v := range sampleValues() {
		raw, err := ToJSON(v)
		require.NoError(t, err, "%s", v.Kind())
		got, err := FromJSON(raw)
		require.NoError(t, err, "%s: %s", v.Kind(), raw)
		assert.True(t, Equal(v, got), "%s: %s -> %v", v.Kind(), raw, got)
	}
}

func TestJSONRendering(t *testing.T) {
	raw, err := ToJSON(Port{Number: 443, Proto: ProtoTCP})
	require.NoError(t, err)
	assert.JSONEq(t, `{"@data-type":"port","data":"443/tcp"}`, string(raw))

	raw, err = ToJSON(NewSet(Count(1)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"@data-type":"set","data":[{"@data-type":"count","data":1}]}`, string(raw))
}

func TestJSONRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		`{"@data-type":"warp","data":1}`,
		`{"@data-type":"count","data":"not a number"}`,
		`{"@data-type":"subnet","data":"10.0.0.0"}`,
		`{"@data-type":"port","data":"443/quic"}`,
		`not json at all`,
	} {
		_, err := FromJSON([]byte(bad))
		assert.Error(t, err, bad)
	}
}
