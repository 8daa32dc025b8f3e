package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBroker_PublishFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(4)

	s1, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	s2, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "events", map[string]string{"type": "x"}))
	require.NoError(t, b.Publish(ctx, "other", "ignored"))

	for _, sub := range []<-chan []byte{s1, s2} {
		select {
		case msg := <-sub:
			assert.JSONEq(t, `{"type":"x"}`, string(msg))
		case <-time.After(time.Second):
			t.Fatal("subscriber got nothing")
		}
	}
}

func TestMemoryBroker_SubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewMemoryBroker(1)
	sub, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryBroker_QueueHandsEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(4)

	require.NoError(t, b.Enqueue(ctx, "jobs", []byte("one")))
	msg, err := b.Dequeue(ctx, "jobs", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))

	_, err = b.Dequeue(ctx, "jobs", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMemoryBroker_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(1)
	sub, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, ok := <-sub
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(ctx, "events", "x"), ErrClosed)
	assert.ErrorIs(t, b.Enqueue(ctx, "jobs", "x"), ErrClosed)
	_, err = b.Dequeue(ctx, "jobs", time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}
