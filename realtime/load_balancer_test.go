package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/realtime/internal/redisconn"
)

// fakeLister lets tests hand the fanout engine arbitrary room listings,
// including duplicate handles for one connection.
type fakeLister struct {
	rooms map[string][]*Client
	all   []*Client
}

func (f *fakeLister) RoomClients(roomID string) []*Client { return f.rooms[roomID] }
func (f *fakeLister) AllClients() []*Client               { return f.all }

func fanoutEngine(clients ClientLister) *WebsocketLoadBalancer {
	return NewWebsocketLoadBalancer(&redisconn.Pools{}, NewChannelManager(false), clients, nil, "proc-1", 1024*1024)
}

func collect(c *Client) []Message {
	var msgs []Message
	for {
		select {
		case m := <-c.Outbound():
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func envelopeBytes(t *testing.T, roomID, message, messageID string, payload ...any) []byte {
	t.Helper()
	if payload == nil {
		payload = []any{}
	}
	data, err := json.Marshal(roomEnvelope{RoomID: roomID, Message: message, Payload: payload, MessageID: messageID})
	require.NoError(t, err)
	return data
}

func TestProcessEditorEventFanout(t *testing.T) {
	ctx := context.Background()

	t.Run("DeliversToRoomMembersOnly", func(t *testing.T) {
		member := NewClient("local-1", 8)
		outsider := NewClient("local-2", 8)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {member}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "otUpdateApplied", "", map[string]any{"v": 1}))

		require.Len(t, collect(member), 1)
		assert.Empty(t, collect(outsider))
	})

	t.Run("DuplicateHandlesDeliverOnce", func(t *testing.T) {
		member := NewClient("local-1", 8)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {member, member}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "otUpdateApplied", ""))
		assert.Len(t, collect(member), 1)
	})

	t.Run("AllRoomReachesEveryClient", func(t *testing.T) {
		c1 := NewClient("local-1", 8)
		c2 := NewClient("local-2", 8)
		lb := fanoutEngine(&fakeLister{all: []*Client{c1, c2}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "all", "forceDisconnect", ""))
		assert.Len(t, collect(c1), 1)
		assert.Len(t, collect(c2), 1)
	})

	t.Run("RestrictedMessagesSkipRestrictedUsers", func(t *testing.T) {
		restricted := NewClient("local-1", 8)
		restricted.SetContext(ClientContext{ProjectID: "project-1", IsRestrictedUser: true})
		normal := NewClient("local-2", 8)
		normal.SetContext(ClientContext{ProjectID: "project-1"})
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {restricted, normal}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "new-comment", ""))
		assert.Empty(t, collect(restricted))
		assert.Len(t, collect(normal), 1)

		// Unrestricted messages still reach the restricted user.
		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "otUpdateApplied", ""))
		assert.Len(t, collect(restricted), 1)
	})

	t.Run("DuplicateMessageIDsDropped", func(t *testing.T) {
		member := NewClient("local-1", 8)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {member}}})

		frame := envelopeBytes(t, "project-1", "otUpdateApplied", "proc-2/7")
		lb.processEditorEvent(ctx, EditorEventsChannel, frame)
		lb.processEditorEvent(ctx, EditorEventsChannel, frame)
		assert.Len(t, collect(member), 1)
	})

	t.Run("MalformedFramesDropped", func(t *testing.T) {
		member := NewClient("local-1", 8)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {member}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, []byte("{not json"))
		lb.processEditorEvent(ctx, EditorEventsChannel, make([]byte, 2*1024*1024))
		assert.Empty(t, collect(member))
	})
}

func TestProcessEditorEventDisconnectsRevokedClients(t *testing.T) {
	ctx := context.Background()

	newMember := func(userID string, invited bool) *Client {
		c := NewClient("local-"+userID, 8)
		c.SetContext(ClientContext{ProjectID: "project-1", UserID: userID, IsInvitedMember: invited})
		return c
	}

	t.Run("UserRemovedFromProject", func(t *testing.T) {
		removed := newMember("user-1", true)
		other := newMember("user-2", true)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {removed, other}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "userRemovedFromProject", "", "user-1"))

		msgs := collect(removed)
		require.Len(t, msgs, 1)
		assert.Equal(t, AccessRevokedMessage, msgs[0].Name)
		assert.True(t, removed.Disconnected())

		// The other member receives the original event untouched.
		msgs = collect(other)
		require.Len(t, msgs, 1)
		assert.Equal(t, "userRemovedFromProject", msgs[0].Name)
		assert.False(t, other.Disconnected())
	})

	t.Run("PublicAccessTurnedPrivate", func(t *testing.T) {
		linkUser := newMember("user-1", false)
		invited := newMember("user-2", true)
		lb := fanoutEngine(&fakeLister{rooms: map[string][]*Client{"project-1": {linkUser, invited}}})

		lb.processEditorEvent(ctx, EditorEventsChannel, envelopeBytes(t, "project-1", "project:publicAccessLevel:changed", "", map[string]any{"newAccessLevel": "private"}))
		assert.True(t, linkUser.Disconnected())
		assert.False(t, invited.Disconnected())
	})
}

func TestShouldDisconnectClient(t *testing.T) {
	client := NewClient("local-1", 8)
	client.SetContext(ClientContext{ProjectID: "project-1", UserID: "user-1", IsInvitedMember: false})

	cases := []struct {
		name     string
		message  string
		payload  []any
		expected bool
	}{
		{"RemovedSelf", "userRemovedFromProject", []any{"user-1"}, true},
		{"RemovedOther", "userRemovedFromProject", []any{"user-2"}, false},
		{"RemovedEmptyPayload", "userRemovedFromProject", nil, false},
		{"AccessLevelChangedSelf", "project:collaboratorAccessLevel:changed", []any{map[string]any{"userId": "user-1"}}, true},
		{"AccessLevelChangedOther", "project:collaboratorAccessLevel:changed", []any{map[string]any{"userId": "user-2"}}, false},
		{"PublicAccessPrivate", "project:publicAccessLevel:changed", []any{map[string]any{"newAccessLevel": "private"}}, true},
		{"PublicAccessTokenBased", "project:publicAccessLevel:changed", []any{map[string]any{"newAccessLevel": "tokenBased"}}, false},
		{"UnrelatedMessage", "otUpdateApplied", []any{map[string]any{"v": 1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := &roomEnvelope{RoomID: "project-1", Message: tc.message, Payload: tc.payload}
			assert.Equal(t, tc.expected, shouldDisconnectClient(client, env))
		})
	}

	t.Run("InvitedMemberSurvivesGoingPrivate", func(t *testing.T) {
		invited := NewClient("local-2", 8)
		invited.SetContext(ClientContext{ProjectID: "project-1", UserID: "user-2", IsInvitedMember: true})
		env := &roomEnvelope{Message: "project:publicAccessLevel:changed", Payload: []any{map[string]any{"newAccessLevel": "private"}}}
		assert.False(t, shouldDisconnectClient(invited, env))
	})
}

func TestEmitToRoomEnvelope(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = pub.Close() }()
	ctx := context.Background()

	raw := pub.Subscribe(ctx, EditorEventsChannel)
	defer func() { _ = raw.Close() }()
	_, err = raw.Receive(ctx)
	require.NoError(t, err)

	lb := NewWebsocketLoadBalancer(&redisconn.Pools{Pub: []*redis.Client{pub}}, NewChannelManager(false), &fakeLister{}, nil, "proc-1", 1024*1024)

	require.NoError(t, lb.EmitToRoom(ctx, "project-1", "otUpdateApplied", map[string]any{"v": 1}))
	msg, err := raw.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)

	var envelope roomEnvelope
	require.NoError(t, json.Unmarshal([]byte(msg.(*redis.Message).Payload), &envelope))
	assert.Equal(t, "project-1", envelope.RoomID)
	assert.Equal(t, "otUpdateApplied", envelope.Message)
	require.Len(t, envelope.Payload, 1)
	assert.Equal(t, "proc-1/1", envelope.MessageID)

	// EmitToAll targets the synthetic "all" room with increasing sequence.
	require.NoError(t, lb.EmitToAll(ctx, "forceDisconnect"))
	msg, err = raw.ReceiveTimeout(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(msg.(*redis.Message).Payload), &envelope))
	assert.Equal(t, "all", envelope.RoomID)
	assert.Equal(t, "proc-1/2", envelope.MessageID)
}
