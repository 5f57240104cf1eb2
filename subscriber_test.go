// Copyright 2025 The meshbus Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/meshbus/data"
	"github.com/destiny/meshbus/topic"
)

func testSubscriber(t *testing.T, capacity int) *Subscriber {
	t.Helper()
	ep := NewEndpoint()
	t.Cleanup(func() { ep.Close() })
	return newSubscriber(ep, topic.New("t/"), capacity)
}

func TestSubscriberPollAndGet(t *testing.T) {
	sub := testSubscriber(t, 10)
	for i := 0; i < 5; i++ {
		require.True(t, sub.put(Message{Topic: "t/a", Data: data.Count(uint64(i))}))
	}

	got := sub.Get(3)
	require.Len(t, got, 3)
	assert.True(t, data.Equal(data.Count(0), got[0].Data))
	assert.True(t, data.Equal(data.Count(2), got[2].Data))

	rest := sub.Poll()
	require.Len(t, rest, 2)
	assert.True(t, data.Equal(data.Count(3), rest[0].Data))

	assert.Empty(t, sub.Poll())
}

func TestSubscriberOverflowDropsNewest(t *testing.T) {
	sub := testSubscriber(t, 2)
	assert.True(t, sub.put(Message{Topic: "t/1"}))
	assert.True(t, sub.put(Message{Topic: "t/2"}))
	assert.False(t, sub.put(Message{Topic: "t/3"}))

	got := sub.Poll()
	require.Len(t, got, 2)
	assert.Equal(t, "t/1", got[0].Topic)
	assert.Equal(t, "t/2", got[1].Topic)
}

func TestSubscriberWait(t *testing.T) {
	sub := testSubscriber(t, 4)

	assert.False(t, sub.Wait(20*time.Millisecond))
	assert.False(t, sub.WaitUntil(time.Now().Add(20*time.Millisecond)))

	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.put(Message{Topic: "t/x"})
	}()
	assert.True(t, sub.Wait(time.Second))
	// Wait does not consume; the message is still there
	assert.Len(t, sub.Poll(), 1)
}

func TestSubscriberGetBlocksUntilDelivery(t *testing.T) {
	sub := testSubscriber(t, 4)
	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.put(Message{Topic: "t/x", Data: data.Count(1)})
	}()
	got := sub.Get(8)
	require.Len(t, got, 1)
	assert.Equal(t, "t/x", got[0].Topic)
}

func TestSubscriberGetTimeout(t *testing.T) {
	sub := testSubscriber(t, 4)
	got, ok := sub.GetTimeout(1, 20*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSubscriberReadySignal(t *testing.T) {
	sub := testSubscriber(t, 4)
	select {
	case <-sub.Ready():
		t.Fatal("ready before any message")
	default:
	}

	sub.put(Message{Topic: "t/x"})
	select {
	case <-sub.Ready():
	case <-time.After(time.Second):
		t.Fatal("no ready signal after delivery")
	}
}

func TestSubscriberCloseCancelsWaits(t *testing.T) {
	sub := testSubscriber(t, 4)
	done := make(chan []Message, 1)
	go func() { done <- sub.Get(1) }()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case got := <-done:
		assert.Nil(t, got)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock on Close")
	}

	// delivery to a closed subscriber is a silent no-op
	assert.True(t, sub.put(Message{Topic: "t/x"}))
	assert.Empty(t, sub.Poll())
}
