package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishReachesMatchingUserOnly(t *testing.T) {
	hub := NewHub()
	alice, ok := hub.subscribe("alice")
	require.True(t, ok)
	bob, ok := hub.subscribe("bob")
	require.True(t, ok)

	hub.Publish(UsageEvent{UserID: "alice", TotalTokens: 15, At: time.Now()})

	select {
	case ev := <-alice.events:
		assert.Equal(t, int64(15), ev.TotalTokens)
	default:
		t.Fatal("alice should have received the event")
	}
	select {
	case <-bob.events:
		t.Fatal("bob should not have received alice's event")
	default:
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	sub, ok := hub.subscribe("alice")
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			hub.Publish(UsageEvent{UserID: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.events, subscriberBuffer)
}

func TestHub_CloseEndsSubscriptions(t *testing.T) {
	hub := NewHub()
	sub, ok := hub.subscribe("alice")
	require.True(t, ok)

	hub.Close()
	_, open := <-sub.events
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers())

	_, ok = hub.subscribe("bob")
	assert.False(t, ok)
}

func TestHub_UnsubscribeIsIdempotentWithClose(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.subscribe("alice")
	hub.Close()
	// Must not panic on double close of the subscriber channel.
	hub.unsubscribe(sub)
}
