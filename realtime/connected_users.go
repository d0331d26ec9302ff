package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/realtime/internal/metrics"
	"github.com/ericfitz/realtime/internal/slogging"
)

// User identifies the human behind a connection, as reported by the web API.
type User struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
}

// Cursor is a client's position inside a document.
type Cursor struct {
	Row    int    `json:"row"`
	Column int    `json:"column"`
	DocID  string `json:"doc_id"`
}

// ConnectedUser is one presence record as returned to clients.
type ConnectedUser struct {
	ClientID  string  `json:"client_id"`
	UserID    string  `json:"user_id"`
	FirstName string  `json:"first_name,omitempty"`
	LastName  string  `json:"last_name,omitempty"`
	Email     string  `json:"email,omitempty"`
	Connected bool    `json:"connected"`
	ClientAge float64 `json:"client_age"`
	Cursor    *Cursor `json:"cursorData,omitempty"`
}

// ConnectedUsersPresets groups the TTL tunables of the presence store.
type ConnectedUsersPresets struct {
	// UserTTL expires individual presence records so crashed processes
	// cannot leave stale entries.
	UserTTL time.Duration
	// ProjectSetTTL expires the per-project membership set.
	ProjectSetTTL time.Duration
	// NotEmptyTTL bounds the projectNotEmptySince marker.
	NotEmptyTTL time.Duration
	// StaleClientWindow is the freshness cutoff for GetConnectedUsers.
	StaleClientWindow time.Duration
}

// ConnectedUsersManager tracks which users are connected to which project,
// with positions, in the shared store. Writes are idempotent full overwrites
// of the connection's own fields, so concurrent updates for different
// connections need no external locking.
type ConnectedUsersManager struct {
	rclient *redis.Client
	presets ConnectedUsersPresets

	now func() time.Time // test hook
}

// NewConnectedUsersManager creates a presence manager over the shared store.
func NewConnectedUsersManager(rclient *redis.Client, presets ConnectedUsersPresets) *ConnectedUsersManager {
	return &ConnectedUsersManager{
		rclient: rclient,
		presets: presets,
		now:     time.Now,
	}
}

func keyClientsInProject(projectID string) string {
	return "clients_in_project:" + projectID
}

func keyConnectedUser(projectID, clientID string) string {
	return "connected_user:" + projectID + ":" + clientID
}

func keyProjectNotEmptySince(projectID string) string {
	return "projectNotEmptySince:{" + projectID + "}"
}

// ceilUnixSeconds rounds a timestamp up to whole seconds.
func ceilUnixSeconds(t time.Time) int64 {
	ms := t.UnixMilli()
	return (ms + 999) / 1000
}

// UpdateUserPosition writes or refreshes the connection's presence record
// and membership in one transaction, refreshing both TTLs. A nil cursor
// marks the initial connect.
func (m *ConnectedUsersManager) UpdateUserPosition(ctx context.Context, projectID, clientID string, user User, cursor *Cursor) error {
	nowMillis := m.now().UnixMilli()
	setKey := keyClientsInProject(projectID)
	userKey := keyConnectedUser(projectID, clientID)

	fields := map[string]any{
		"last_updated_at": nowMillis,
		"user_id":         user.ID,
		"first_name":      user.FirstName,
		"last_name":       user.LastName,
		"email":           user.Email,
	}
	if cursor == nil {
		fields["connected_at"] = nowMillis
	} else {
		data, err := json.Marshal(cursor)
		if err != nil {
			return fmt.Errorf("failed to serialize cursor data: %w", err)
		}
		fields["cursorData"] = string(data)
	}

	tx := m.rclient.TxPipeline()
	tx.SAdd(ctx, setKey, clientID)
	tx.Expire(ctx, setKey, m.presets.ProjectSetTTL)
	tx.HSet(ctx, userKey, fields)
	tx.Expire(ctx, userKey, m.presets.UserTTL)
	card := tx.SCard(ctx, setKey)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update user position: %w", err)
	}

	method := "connect"
	if cursor != nil {
		method = "update"
	}
	metrics.EditingSessionMode.WithLabelValues(method, occupancyStatus(card.Val())).Inc()
	return nil
}

// RefreshClient renews the presence record of a local connection, keeping it
// alive between position updates.
func (m *ConnectedUsersManager) RefreshClient(ctx context.Context, projectID, clientID string) error {
	userKey := keyConnectedUser(projectID, clientID)
	tx := m.rclient.TxPipeline()
	tx.HSet(ctx, userKey, "last_updated_at", m.now().UnixMilli())
	tx.Expire(ctx, userKey, m.presets.UserTTL)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh client: %w", err)
	}
	return nil
}

// MarkUserAsDisconnected removes the connection from the project's presence
// and maintains the project not-empty marker used for session-gap metrics.
func (m *ConnectedUsersManager) MarkUserAsDisconnected(ctx context.Context, projectID, clientID string) error {
	setKey := keyClientsInProject(projectID)
	userKey := keyConnectedUser(projectID, clientID)

	tx := m.rclient.TxPipeline()
	tx.SRem(ctx, setKey, clientID)
	tx.Expire(ctx, setKey, m.presets.ProjectSetTTL)
	tx.Del(ctx, userKey)
	card := tx.SCard(ctx, setKey)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark user as disconnected: %w", err)
	}

	remaining := card.Val()
	metrics.EditingSessionMode.WithLabelValues("disconnect", occupancyStatus(remaining)).Inc()

	if remaining == 0 {
		return m.clearProjectNotEmptySince(ctx, projectID)
	}
	return m.touchProjectNotEmptySince(ctx, projectID, remaining)
}

// clearProjectNotEmptySince atomically reads and clears the marker when the
// project returns to zero users, recording how long it was occupied.
func (m *ConnectedUsersManager) clearProjectNotEmptySince(ctx context.Context, projectID string) error {
	val, err := m.rclient.GetDel(ctx, keyProjectNotEmptySince(projectID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to clear project not-empty marker: %w", err)
	}
	m.observeNotEmptySince(projectID, val, "empty")
	return nil
}

// touchProjectNotEmptySince conditionally stamps the marker when the project
// still has users; if it was already stamped, record the running duration.
func (m *ConnectedUsersManager) touchProjectNotEmptySince(ctx context.Context, projectID string, remaining int64) error {
	key := keyProjectNotEmptySince(projectID)
	nowSeconds := ceilUnixSeconds(m.now())

	tx := m.rclient.TxPipeline()
	get := tx.Get(ctx, key)
	tx.SetNX(ctx, key, strconv.FormatInt(nowSeconds, 10), m.presets.NotEmptyTTL)
	if _, err := tx.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to touch project not-empty marker: %w", err)
	}

	prev, err := get.Result()
	if errors.Is(err, redis.Nil) || prev == "" {
		// Marker was freshly set; nothing to observe yet.
		return nil
	}
	status := "single"
	if remaining > 1 {
		status = "multi"
	}
	m.observeNotEmptySince(projectID, prev, status)
	return nil
}

func (m *ConnectedUsersManager) observeNotEmptySince(projectID, since, status string) {
	sinceSeconds, err := strconv.ParseInt(since, 10, 64)
	if err != nil {
		slogging.Get().Warn("invalid not-empty marker for project %s: %q", projectID, since)
		return
	}
	elapsed := ceilUnixSeconds(m.now()) - sinceSeconds
	if elapsed < 0 {
		elapsed = 0
	}
	metrics.ProjectNotEmptySince.WithLabelValues(status).Observe(float64(elapsed))
}

// GetConnectedUsers lists the project's members that are still connected and
// fresh. Stale or vanished members are dropped silently, never reported as
// errors.
func (m *ConnectedUsersManager) GetConnectedUsers(ctx context.Context, projectID string) ([]ConnectedUser, error) {
	clientIDs, err := m.rclient.SMembers(ctx, keyClientsInProject(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients in project: %w", err)
	}

	users := make([]ConnectedUser, 0, len(clientIDs))
	for _, clientID := range clientIDs {
		user, err := m.getConnectedUser(ctx, projectID, clientID)
		if err != nil {
			return nil, err
		}
		if user.Connected && user.ClientAge < m.presets.StaleClientWindow.Seconds() {
			users = append(users, user)
		}
	}
	return users, nil
}

func (m *ConnectedUsersManager) getConnectedUser(ctx context.Context, projectID, clientID string) (ConnectedUser, error) {
	user := ConnectedUser{ClientID: clientID}
	values, err := m.rclient.HGetAll(ctx, keyConnectedUser(projectID, clientID)).Result()
	if err != nil {
		return user, fmt.Errorf("failed to load connected user: %w", err)
	}
	if len(values) == 0 {
		// Presence hash expired or was deleted; the membership set entry
		// is just a leftover.
		return user, nil
	}

	user.Connected = true
	user.UserID = values["user_id"]
	user.FirstName = values["first_name"]
	user.LastName = values["last_name"]
	user.Email = values["email"]

	if lastUpdated, err := strconv.ParseInt(values["last_updated_at"], 10, 64); err == nil {
		user.ClientAge = float64(m.now().UnixMilli()-lastUpdated) / 1000.0
	} else {
		user.Connected = false
	}

	if raw := values["cursorData"]; raw != "" {
		var cursor Cursor
		if err := json.Unmarshal([]byte(raw), &cursor); err == nil {
			user.Cursor = &cursor
		}
	}
	return user, nil
}

func occupancyStatus(n int64) string {
	switch {
	case n <= 0:
		return "empty"
	case n == 1:
		return "single"
	default:
		return "multi"
	}
}
