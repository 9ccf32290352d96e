package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case item, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return item
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for item")
	}
	var zero T
	return zero
}

func TestPublishPreservesOrderForSlowSubscriber(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe("project-1")
	defer sub.Close()

	for i := 0; i < 500; i++ {
		assert.Equal(t, 1, b.Publish("project-1", i))
	}
	for i := 0; i < 500; i++ {
		assert.Equal(t, i, receive(t, sub))
	}
}

func TestPublishIsScopedByTopic(t *testing.T) {
	b := NewBroker[string]()
	p1 := b.Subscribe("project-1")
	p2 := b.Subscribe("project-2")
	all := b.Subscribe(AllTopics)
	defer p1.Close()
	defer p2.Close()
	defer all.Close()

	assert.Equal(t, 2, b.Publish("project-2", "hello"))
	assert.Equal(t, "hello", receive(t, p2))
	assert.Equal(t, "hello", receive(t, all))

	select {
	case item := <-p1.C():
		t.Fatalf("unexpected item on project-1: %q", item)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateSubscriberSeesNoReplay(t *testing.T) {
	b := NewBroker[int]()
	assert.Equal(t, 0, b.Publish("project-1", 1))

	sub := b.Subscribe("project-1")
	defer sub.Close()
	b.Publish("project-1", 2)
	assert.Equal(t, 2, receive(t, sub))
}

func TestCloseDetachesAndClosesChannel(t *testing.T) {
	b := NewBroker[int]()
	sub := b.Subscribe("project-1")
	require.Equal(t, 1, b.Subscribers("project-1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers("project-1"))
	assert.Equal(t, 0, b.Publish("project-1", 1))

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
