package realtime

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConnectedUsers(t *testing.T) (*miniredis.Miniredis, *ConnectedUsersManager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, NewConnectedUsersManager(rdb, ConnectedUsersPresets{
		UserTTL:           15 * time.Minute,
		ProjectSetTTL:     4 * 24 * time.Hour,
		NotEmptyTTL:       31 * 24 * time.Hour,
		StaleClientWindow: 15 * time.Minute,
	})
}

func TestConnectedUsersRoundTrip(t *testing.T) {
	_, m := testConnectedUsers(t)
	ctx := context.Background()
	user := User{ID: "user-1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", user, nil))

	users, err := m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	got := users[0]
	assert.Equal(t, "client-1", got.ClientID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "Ada", got.FirstName)
	assert.Equal(t, "Lovelace", got.LastName)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.True(t, got.Connected)
	assert.Nil(t, got.Cursor)

	// A position update attaches cursor data.
	cursor := &Cursor{Row: 4, Column: 2, DocID: "doc-1"}
	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", user, cursor))
	users, err = m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.NotNil(t, users[0].Cursor)
	assert.Equal(t, *cursor, *users[0].Cursor)
}

func TestConnectedUsersKeySchemaAndTTLs(t *testing.T) {
	mr, m := testConnectedUsers(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "user-1"}, nil))

	require.True(t, mr.Exists("clients_in_project:project-1"))
	require.True(t, mr.Exists("connected_user:project-1:client-1"))
	assert.Equal(t, 4*24*time.Hour, mr.TTL("clients_in_project:project-1"))
	assert.Equal(t, 15*time.Minute, mr.TTL("connected_user:project-1:client-1"))

	// An expired presence hash makes the member invisible, not an error.
	mr.FastForward(16 * time.Minute)
	users, err := m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestConnectedUsersRefreshClient(t *testing.T) {
	mr, m := testConnectedUsers(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "user-1"}, nil))
	mr.FastForward(10 * time.Minute)

	require.NoError(t, m.RefreshClient(ctx, "project-1", "client-1"))
	assert.Equal(t, 15*time.Minute, mr.TTL("connected_user:project-1:client-1"))
}

func TestConnectedUsersStaleClientsFiltered(t *testing.T) {
	_, m := testConnectedUsers(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "user-1"}, nil))

	// Within the freshness window the client is listed.
	m.now = func() time.Time { return base.Add(14 * time.Minute) }
	users, err := m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	assert.Len(t, users, 1)

	// Past the window it is dropped even though the record still exists.
	m.now = func() time.Time { return base.Add(16 * time.Minute) }
	users, err = m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMarkUserAsDisconnected(t *testing.T) {
	mr, m := testConnectedUsers(t)
	ctx := context.Background()

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "user-1"}, nil))
	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-2", User{ID: "user-2"}, nil))

	require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-1"))
	assert.False(t, mr.Exists("connected_user:project-1:client-1"))
	users, err := m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "client-2", users[0].ClientID)

	require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-2"))
	users, err = m.GetConnectedUsers(ctx, "project-1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestProjectNotEmptyMarker(t *testing.T) {
	mr, m := testConnectedUsers(t)
	ctx := context.Background()
	base := time.Now()
	m.now = func() time.Time { return base }

	key := "projectNotEmptySince:{project-1}"

	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "u1"}, nil))
	require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-2", User{ID: "u2"}, nil))

	t.Run("StampedOnFirstPartialDisconnect", func(t *testing.T) {
		require.False(t, mr.Exists(key))
		require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-1"))

		val, err := mr.Get(key)
		require.NoError(t, err)
		want := (base.UnixMilli() + 999) / 1000
		assert.Equal(t, strconv.FormatInt(want, 10), val)
		assert.Equal(t, 31*24*time.Hour, mr.TTL(key))
	})

	t.Run("ClearedWhenProjectEmpties", func(t *testing.T) {
		require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-2"))
		assert.False(t, mr.Exists(key))
	})

	t.Run("ConditionalSetKeepsOriginalStamp", func(t *testing.T) {
		require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-1", User{ID: "u1"}, nil))
		require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-2", User{ID: "u2"}, nil))
		require.NoError(t, m.UpdateUserPosition(ctx, "project-1", "client-3", User{ID: "u3"}, nil))

		require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-1"))
		first, err := mr.Get(key)
		require.NoError(t, err)

		// A later partial disconnect must not move the stamp.
		m.now = func() time.Time { return base.Add(90 * time.Second) }
		require.NoError(t, m.MarkUserAsDisconnected(ctx, "project-1", "client-2"))
		second, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestCeilUnixSeconds(t *testing.T) {
	exact := time.UnixMilli(1_700_000_000_000)
	assert.Equal(t, int64(1_700_000_000), ceilUnixSeconds(exact))
	// Any fraction of a second rounds up.
	assert.Equal(t, int64(1_700_000_001), ceilUnixSeconds(exact.Add(time.Millisecond)))
	assert.Equal(t, int64(1_700_000_001), ceilUnixSeconds(exact.Add(999*time.Millisecond)))
}
