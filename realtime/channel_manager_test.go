package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelManagerSubscribeUnsubscribe(t *testing.T) {
	mr, sub := testSubscriber(t)
	ctx := context.Background()
	m := NewChannelManager(false)

	t.Run("SubscribeSettlesAndReceives", func(t *testing.T) {
		op := m.Subscribe(ctx, sub, "editor-events", "project-1")
		require.NoError(t, op.Wait(ctx))
		assert.Equal(t, 1, mr.Publish("editor-events:project-1", "ping"))
	})

	t.Run("UnsubscribeRemovesEntry", func(t *testing.T) {
		op := m.Unsubscribe(ctx, sub, "editor-events", "project-1")
		require.NoError(t, op.Wait(ctx))
		assert.Equal(t, 0, mr.Publish("editor-events:project-1", "ping"))
		assert.Eventually(t, func() bool { return m.pendingCount() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("RapidCycleLandsSubscribed", func(t *testing.T) {
		// A subscribe issued while the previous unsubscribe is still in
		// flight queues behind it; the newest operation wins.
		m.Subscribe(ctx, sub, "editor-events", "project-2")
		m.Unsubscribe(ctx, sub, "editor-events", "project-2")
		last := m.Subscribe(ctx, sub, "editor-events", "project-2")
		require.NoError(t, last.Wait(ctx))
		assert.Equal(t, 1, mr.Publish("editor-events:project-2", "ping"))
	})
}

func TestChannelManagerSubscribeFailureCleansUp(t *testing.T) {
	mr, sub := testSubscriber(t)
	m := NewChannelManager(false)

	// Kill the backing connection so the subscribe fails. The write can
	// land in a dead socket without an immediate error, so bound the wait
	// for the acknowledgement that will never come.
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	op := m.Subscribe(ctx, sub, "editor-events", "project-1")
	assert.Error(t, op.Wait(context.Background()))
	// The failed entry is removed so a later retry starts clean.
	assert.Eventually(t, func() bool { return m.pendingCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannelManagerPublishChannelNaming(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = pub.Close() }()
	ctx := context.Background()

	t.Run("BaseChannelByDefault", func(t *testing.T) {
		m := NewChannelManager(false)
		sub := pub.Subscribe(ctx, "applied-ops")
		defer func() { _ = sub.Close() }()
		_, err := sub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, m.Publish(ctx, pub, "applied-ops", "doc-1", []byte("x")))
		msg, err := sub.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "applied-ops", msg.(*redis.Message).Channel)
	})

	t.Run("IndividualChannelsWhenEnabled", func(t *testing.T) {
		m := NewChannelManager(true)
		sub := pub.Subscribe(ctx, "applied-ops:doc-1")
		defer func() { _ = sub.Close() }()
		_, err := sub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, m.Publish(ctx, pub, "applied-ops", "doc-1", []byte("x")))
		msg, err := sub.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "applied-ops:doc-1", msg.(*redis.Message).Channel)
	})

	t.Run("AllBroadcastAlwaysUsesBaseChannel", func(t *testing.T) {
		m := NewChannelManager(true)
		sub := pub.Subscribe(ctx, "editor-events")
		defer func() { _ = sub.Close() }()
		_, err := sub.Receive(ctx)
		require.NoError(t, err)

		require.NoError(t, m.Publish(ctx, pub, "editor-events", "all", []byte("x")))
		msg, err := sub.ReceiveTimeout(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "editor-events", msg.(*redis.Message).Channel)
	})
}
