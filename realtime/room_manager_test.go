package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/realtime/internal/redisconn"
)

func testSubscriber(t *testing.T) (*miniredis.Miniredis, *redisconn.Subscriber) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	sub, err := redisconn.NewSubscriber(redisconn.Config{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return mr, sub
}

// wireRoomSubscriptions connects room lifecycle events to real channel
// subscriptions the way the fanout engine does.
func wireRoomSubscriptions(ctx context.Context, rooms *RoomManager, channels *ChannelManager, sub *redisconn.Subscriber) {
	events := rooms.Events()
	events.OnRoomEvent(func(event RoomEvent) {
		switch event.Kind {
		case RoomActive:
			op := channels.Subscribe(ctx, sub, EditorEventsChannel, event.RoomID)
			emitOnCompletion(events, event.RoomID, []*PendingOp{op})
		case RoomEmpty:
			channels.Unsubscribe(ctx, sub, EditorEventsChannel, event.RoomID)
		}
	})
}

func TestRoomManagerSubscribesOnFirstJoin(t *testing.T) {
	mr, sub := testSubscriber(t)
	ctx := context.Background()

	hub := NewHub()
	rooms := NewRoomManager(hub)
	channels := NewChannelManager(false)
	wireRoomSubscriptions(ctx, rooms, channels, sub)

	var activeEvents atomic.Int64
	rooms.Events().OnRoomEvent(func(event RoomEvent) {
		if event.Kind == RoomActive {
			activeEvents.Add(1)
		}
	})

	c1 := NewClient("local-1", 8)
	c2 := NewClient("local-2", 8)

	// First join transitions 0->1 and must return only once the channel
	// subscription is established.
	require.NoError(t, rooms.JoinProject(ctx, c1, "project-1"))
	assert.Equal(t, int64(1), activeEvents.Load())
	assert.Equal(t, 1, mr.Publish("editor-events:project-1", "ping"))

	// Second join joins an already-subscribed room: no new transition.
	require.NoError(t, rooms.JoinProject(ctx, c2, "project-1"))
	assert.Equal(t, int64(1), activeEvents.Load())
}

func TestRoomManagerUnsubscribesOnLastLeave(t *testing.T) {
	mr, sub := testSubscriber(t)
	ctx := context.Background()

	hub := NewHub()
	rooms := NewRoomManager(hub)
	channels := NewChannelManager(false)
	wireRoomSubscriptions(ctx, rooms, channels, sub)

	c1 := NewClient("local-1", 8)
	c2 := NewClient("local-2", 8)
	require.NoError(t, rooms.JoinDoc(ctx, c1, "doc-1"))
	require.NoError(t, rooms.JoinDoc(ctx, c2, "doc-1"))

	// First leave keeps the subscription alive.
	rooms.LeaveDoc(c1, "doc-1")
	assert.Equal(t, 1, mr.Publish("editor-events:doc-1", "ping"))

	// Last leave drops it.
	rooms.LeaveDoc(c2, "doc-1")
	assert.Eventually(t, func() bool {
		return mr.Publish("editor-events:doc-1", "ping") == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.RoomCount("doc-1"))
}

func TestRoomManagerLeaveProjectAndDocs(t *testing.T) {
	_, sub := testSubscriber(t)
	ctx := context.Background()

	hub := NewHub()
	rooms := NewRoomManager(hub)
	channels := NewChannelManager(false)
	wireRoomSubscriptions(ctx, rooms, channels, sub)

	c := NewClient("local-1", 8)
	require.NoError(t, rooms.JoinProject(ctx, c, "project-1"))
	require.NoError(t, rooms.JoinDoc(ctx, c, "doc-1"))
	require.NoError(t, rooms.JoinDoc(ctx, c, "doc-2"))

	rooms.LeaveProjectAndDocs(c)
	assert.Equal(t, 0, hub.RoomCount("project-1"))
	assert.Equal(t, 0, hub.RoomCount("doc-1"))
	assert.Equal(t, 0, hub.RoomCount("doc-2"))
}

func TestRoomManagerTransitionsStayOrdered(t *testing.T) {
	_, sub := testSubscriber(t)
	ctx := context.Background()

	hub := NewHub()
	rooms := NewRoomManager(hub)
	channels := NewChannelManager(false)
	wireRoomSubscriptions(ctx, rooms, channels, sub)

	// Record every transition for the room; a last-leave racing a
	// first-join must never deliver its events out of order, so the
	// recording must strictly alternate active/empty.
	var mu sync.Mutex
	var kinds []RoomEventKind
	rooms.Events().OnRoomEvent(func(event RoomEvent) {
		mu.Lock()
		kinds = append(kinds, event.Kind)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			c := NewClient(fmt.Sprintf("local-%d", w), 8)
			for i := 0; i < 200; i++ {
				assert.NoError(t, rooms.JoinDoc(ctx, c, "doc-1"))
				rooms.LeaveDoc(c, "doc-1")
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	for i, kind := range kinds {
		if i%2 == 0 {
			assert.Equal(t, RoomActive, kind, "event %d", i)
		} else {
			assert.Equal(t, RoomEmpty, kind, "event %d", i)
		}
	}
	assert.Equal(t, RoomEmpty, kinds[len(kinds)-1])
}

func TestRoomManagerJoinHonorsContext(t *testing.T) {
	hub := NewHub()
	rooms := NewRoomManager(hub)
	// No handler is wired, so the subscription never settles; the join must
	// give up when its context does.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient("local-1", 8)
	err := rooms.JoinProject(ctx, c, "project-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
