package redisconn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSubscriber(t *testing.T) (*miniredis.Miniredis, *Subscriber) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	sub, err := NewSubscriber(Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return mr, sub
}

func TestSubscriberSubscribeIsEstablishedOnReturn(t *testing.T) {
	mr, sub := testSubscriber(t)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "editor-events"))

	// The server has acknowledged the subscription, so a publish issued
	// right now must find this receiver.
	assert.Equal(t, 1, mr.Publish("editor-events", "ping"))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "editor-events", msg.Channel)
		assert.Equal(t, "ping", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("published message never delivered")
	}
}

func TestSubscriberUnsubscribeIsEstablishedOnReturn(t *testing.T) {
	mr, sub := testSubscriber(t)
	ctx := context.Background()

	require.NoError(t, sub.Subscribe(ctx, "editor-events"))
	require.NoError(t, sub.Unsubscribe(ctx, "editor-events"))

	assert.Equal(t, 0, mr.Publish("editor-events", "ping"))
}

func TestSubscriberHonorsContext(t *testing.T) {
	mr, sub := testSubscriber(t)

	// With the server gone the acknowledgement never arrives; the call must
	// give up when its context does.
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sub.Subscribe(ctx, "editor-events")
	assert.Error(t, err)
}

func TestSubscriberMessagesClosedOnClose(t *testing.T) {
	_, sub := testSubscriber(t)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed")
	}
}
