package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ericfitz/realtime/internal/metrics"
	"github.com/ericfitz/realtime/internal/slogging"
)

// ProtocolVersion is the editor wire protocol version reported to clients on
// joinProject. Clients built against a different version must reconnect
// through a fresh page load.
const ProtocolVersion = 2

// otUpdateErrorDelay gives the submitting client time to receive its
// callback before the error event and disconnect land.
const otUpdateErrorDelay = 100 * time.Millisecond

// WebsocketController implements the per-connection editor operations. Each
// operation re-validates the connection's epoch and liveness after every
// suspension point, so a slow older call can never complete on behalf of a
// newer one.
type WebsocketController struct {
	webAPI         *WebAPIManager
	docUpdater     *DocumentUpdaterManager
	rooms          *RoomManager
	hub            *Hub
	auth           *AuthorizationManager
	connectedUsers *ConnectedUsersManager
	lb             *WebsocketLoadBalancer

	flushIfEmptyDelay  time.Duration
	clientRefreshDelay time.Duration
}

// NewWebsocketController wires the controller over its collaborators.
func NewWebsocketController(webAPI *WebAPIManager, docUpdater *DocumentUpdaterManager, rooms *RoomManager, hub *Hub, auth *AuthorizationManager, connectedUsers *ConnectedUsersManager, lb *WebsocketLoadBalancer, flushIfEmptyDelay, clientRefreshDelay time.Duration) *WebsocketController {
	return &WebsocketController{
		webAPI:             webAPI,
		docUpdater:         docUpdater,
		rooms:              rooms,
		hub:                hub,
		auth:               auth,
		connectedUsers:     connectedUsers,
		lb:                 lb,
		flushIfEmptyDelay:  flushIfEmptyDelay,
		clientRefreshDelay: clientRefreshDelay,
	}
}

// abandoned records an abandoned operation and returns ErrAbandoned.
func abandoned(endpoint, stage string) error {
	metrics.JoinAbandoned.WithLabelValues(endpoint, stage).Inc()
	return ErrAbandoned
}

// JoinProjectResult is the admission result returned to a joining client.
type JoinProjectResult struct {
	Project         Project
	PrivilegeLevel  PrivilegeLevel
	ProtocolVersion int
}

// JoinProject admits the connection to a project: external authorization,
// context population, presence registration and project room membership.
func (c *WebsocketController) JoinProject(ctx context.Context, client *Client, projectID string, user User) (*JoinProjectResult, error) {
	metrics.EditorEvents.WithLabelValues("join-project").Inc()
	if client.Disconnected() {
		return nil, abandoned("joinProject", "immediately")
	}
	epoch := client.BumpEpoch()

	join, err := c.webAPI.JoinProject(ctx, projectID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("join project failed for %s: %w", projectID, err)
	}
	if client.Disconnected() || client.Epoch() != epoch {
		return nil, abandoned("joinProject", "after-web-api-call")
	}

	ownerID, _ := join.Project["owner_id"].(string)
	client.SetContext(ClientContext{
		ProjectID:        projectID,
		UserID:           user.ID,
		OwnerID:          ownerID,
		FirstName:        user.FirstName,
		LastName:         user.LastName,
		Email:            user.Email,
		PrivilegeLevel:   join.PrivilegeLevel,
		IsRestrictedUser: join.IsRestrictedUser,
		IsInvitedMember:  join.IsInvitedMember,
		IsTokenMember:    join.IsTokenMember,
		ConnectedAt:      time.Now(),
	})

	if err := c.rooms.JoinProject(ctx, client, projectID); err != nil {
		return nil, fmt.Errorf("failed to join project room %s: %w", projectID, err)
	}
	if client.Disconnected() || client.Epoch() != epoch {
		return nil, abandoned("joinProject", "after-joining-room")
	}

	// Presence registration is best-effort and must not delay the join.
	go func() {
		if err := c.connectedUsers.UpdateUserPosition(context.Background(), projectID, client.PublicID, user, nil); err != nil {
			slogging.Get().Warn("failed to register presence for client %s in project %s: %v", client.PublicID, projectID, err)
		}
	}()

	slogging.Get().Debug("client %s joined project %s with privilege %s", client.PublicID, projectID, join.PrivilegeLevel)
	return &JoinProjectResult{
		Project:         join.Project,
		PrivilegeLevel:  join.PrivilegeLevel,
		ProtocolVersion: ProtocolVersion,
	}, nil
}

// LeaveProject removes the connection from every room, announces the
// departure and, if this process now holds no connections for the project,
// schedules a flush of the project's in-flight document state. A connection
// that never joined a project is a no-op.
func (c *WebsocketController) LeaveProject(ctx context.Context, client *Client) error {
	projectID := client.ProjectID()
	if projectID == "" {
		return nil
	}
	metrics.EditorEvents.WithLabelValues("leave-project").Inc()
	client.BumpEpoch()

	if err := c.lb.EmitToRoom(ctx, projectID, "clientTracking.clientDisconnected", client.PublicID); err != nil {
		slogging.Get().Warn("failed to announce disconnect of client %s: %v", client.PublicID, err)
	}

	go func() {
		if err := c.connectedUsers.MarkUserAsDisconnected(context.Background(), projectID, client.PublicID); err != nil {
			slogging.Get().Warn("failed to mark client %s as disconnected: %v", client.PublicID, err)
		}
	}()

	c.rooms.LeaveProjectAndDocs(client)
	client.clearProjectContext()

	// Absorb rapid reconnects before unloading the project from the
	// document updater.
	time.AfterFunc(c.flushIfEmptyDelay, func() {
		if c.hub.RoomCount(projectID) > 0 {
			return
		}
		if err := c.docUpdater.FlushProjectToMongoAndDelete(context.Background(), projectID); err != nil {
			slogging.Get().Error("failed to flush project %s: %v", projectID, err)
		}
	})
	return nil
}

// JoinDocResult is the document snapshot returned to a client entering a
// document. Lines and ranges are websocket-safe encoded.
type JoinDocResult struct {
	Lines   []string
	Version int64
	Ops     []any
	Ranges  json.RawMessage
}

// JoinDocOptions modifies JoinDoc behavior per client capability.
type JoinDocOptions struct {
	// EncodeRanges requests websocket-safe encoding of comment and change
	// text inside the ranges payload.
	EncodeRanges bool
}

// JoinDoc checks authorization, joins the document room, fetches the
// document from the document updater and grants the connection per-doc
// access. The capture-and-recheck protocol means a stale call is abandoned,
// never completed with stale results.
func (c *WebsocketController) JoinDoc(ctx context.Context, client *Client, docID string, fromVersion int64, options JoinDocOptions) (*JoinDocResult, error) {
	metrics.EditorEvents.WithLabelValues("join-doc").Inc()
	if client.Disconnected() {
		return nil, abandoned("joinDoc", "immediately")
	}
	epoch := client.BumpEpoch()

	if err := c.auth.AssertClientCanViewProject(client); err != nil {
		return nil, err
	}
	if client.Disconnected() || client.Epoch() != epoch {
		return nil, abandoned("joinDoc", "after-client-auth-check")
	}

	if err := c.rooms.JoinDoc(ctx, client, docID); err != nil {
		return nil, fmt.Errorf("failed to join doc room %s: %w", docID, err)
	}
	if client.Disconnected() || client.Epoch() != epoch {
		return nil, abandoned("joinDoc", "after-joining-room")
	}

	doc, err := c.docUpdater.GetDocument(ctx, client.ProjectID(), docID, fromVersion)
	if err != nil {
		return nil, err
	}
	if client.Disconnected() || client.Epoch() != epoch {
		return nil, abandoned("joinDoc", "after-doc-updater-call")
	}

	ranges := doc.Ranges
	if client.Context().IsRestrictedUser && len(ranges) > 0 {
		ranges, err = stripCommentsFromRanges(ranges)
		if err != nil {
			return nil, fmt.Errorf("failed to strip comments from ranges: %w", err)
		}
	}
	if options.EncodeRanges && len(ranges) > 0 {
		ranges, err = encodeRangesForWebsocket(ranges)
		if err != nil {
			return nil, fmt.Errorf("failed to encode ranges: %w", err)
		}
	}

	escapedLines := make([]string, len(doc.Lines))
	for i, line := range doc.Lines {
		escaped, err := encodeForWebsocket(line)
		if err != nil {
			return nil, fmt.Errorf("failed to encode doc lines: %w", err)
		}
		escapedLines[i] = escaped
	}

	c.auth.AddAccessToDoc(client, docID)
	return &JoinDocResult{
		Lines:   escapedLines,
		Version: doc.Version,
		Ops:     doc.Ops,
		Ranges:  ranges,
	}, nil
}

// LeaveDoc removes the connection from the document room. The per-doc access
// grant is kept: a client that briefly leaves a document must still receive
// its updates without a fresh authorization round trip.
func (c *WebsocketController) LeaveDoc(client *Client, docID string) error {
	metrics.EditorEvents.WithLabelValues("leave-doc").Inc()
	client.BumpEpoch()
	c.rooms.LeaveDoc(client, docID)
	return nil
}

// UpdateClientPosition broadcasts the client's cursor to the project room
// and, for logged-in users, persists it in the presence store. Unauthorized
// calls are dropped silently.
func (c *WebsocketController) UpdateClientPosition(ctx context.Context, client *Client, cursor Cursor) error {
	metrics.EditorEvents.WithLabelValues("update-client-position").Inc()
	if err := c.auth.AssertClientCanViewProjectAndDoc(client, cursor.DocID); err != nil {
		slogging.Get().Debug("silently ignoring unauthorized position update from client %s", client.PublicID)
		return nil
	}

	cctx := client.Context()
	name := strings.TrimSpace(strings.TrimSpace(cctx.FirstName) + " " + strings.TrimSpace(cctx.LastName))
	payload := map[string]any{
		"row":    cursor.Row,
		"column": cursor.Column,
		"doc_id": cursor.DocID,
		"id":     client.PublicID,
		"user_id": func() any {
			if cctx.UserID == "" {
				return nil
			}
			return cctx.UserID
		}(),
		"name": name,
	}
	if err := c.lb.EmitToRoom(ctx, cctx.ProjectID, "clientTracking.clientUpdated", payload); err != nil {
		return err
	}

	// Anonymous users are broadcast but never stored, so the presence list
	// cannot accumulate ghost entries with no identity.
	if cctx.UserID == "" {
		return nil
	}
	user := User{ID: cctx.UserID, FirstName: cctx.FirstName, LastName: cctx.LastName, Email: cctx.Email}
	return c.connectedUsers.UpdateUserPosition(ctx, cctx.ProjectID, client.PublicID, user, &cursor)
}

// GetConnectedUsers asks every process to refresh its clients' presence
// entries, waits briefly for those writes to land and returns the project's
// fresh presence list. Restricted users always get an empty list.
func (c *WebsocketController) GetConnectedUsers(ctx context.Context, client *Client) ([]ConnectedUser, error) {
	metrics.EditorEvents.WithLabelValues("get-connected-users").Inc()
	if err := c.auth.AssertClientCanViewProject(client); err != nil {
		return nil, err
	}
	cctx := client.Context()
	if cctx.IsRestrictedUser {
		return []ConnectedUser{}, nil
	}

	if err := c.lb.EmitToRoom(ctx, cctx.ProjectID, "clientTracking.refresh"); err != nil {
		slogging.Get().Warn("failed to emit presence refresh for project %s: %v", cctx.ProjectID, err)
	}
	select {
	case <-time.After(c.clientRefreshDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.connectedUsers.GetConnectedUsers(ctx, cctx.ProjectID)
}

// OtUpdate is an operational-transform update submitted by a client. Meta is
// overwritten with the hub's own attribution before queueing.
type OtUpdate struct {
	Op   []map[string]any `json:"op"`
	V    int64            `json:"v"`
	Meta map[string]any   `json:"meta,omitempty"`

	// LastV and Hash pass through to the document updater untouched.
	LastV *int64 `json:"lastV,omitempty"`
	Hash  string `json:"hash,omitempty"`
}

// ApplyOtUpdate authorizes, attributes and queues a document update. An
// oversized update succeeds from the submitter's point of view, then the
// connection is sent an explicit error event and dropped after a short
// delay.
func (c *WebsocketController) ApplyOtUpdate(ctx context.Context, client *Client, docID string, update *OtUpdate) error {
	metrics.EditorEvents.WithLabelValues("doc-update").Inc()
	if err := c.assertClientCanApplyUpdate(client, docID, update); err != nil {
		client.Emit("otUpdateError", err.Error())
		client.Disconnect()
		return err
	}

	cctx := client.Context()
	if update.Meta == nil {
		update.Meta = make(map[string]any)
	}
	update.Meta["source"] = client.PublicID
	if cctx.UserID != "" {
		update.Meta["user_id"] = cctx.UserID
	}

	err := c.docUpdater.QueueChange(ctx, cctx.ProjectID, docID, update)
	var tooLarge *UpdateTooLargeError
	if errors.As(err, &tooLarge) {
		slogging.Get().Warn("update too large from client %s on doc %s: %d bytes (limit %d)", client.PublicID, docID, tooLarge.UpdateSize, tooLarge.Limit)
		time.AfterFunc(otUpdateErrorDelay, func() {
			if client.Disconnected() {
				return
			}
			client.Emit("otUpdateError", "update is too large", map[string]any{"updateSize": tooLarge.UpdateSize})
			client.Disconnect()
		})
		// The submitter sees success; the disconnect above carries the error.
		return nil
	}
	return err
}

func (c *WebsocketController) assertClientCanApplyUpdate(client *Client, docID string, update *OtUpdate) error {
	if isCommentUpdate(update) {
		return c.auth.AssertClientCanViewProjectAndDoc(client, docID)
	}
	if trackChanges, _ := update.Meta["tc"].(string); trackChanges != "" {
		return c.auth.AssertClientCanReviewProjectAndDoc(client, docID)
	}
	return c.auth.AssertClientCanEditProjectAndDoc(client, docID)
}

// isCommentUpdate reports whether every op in the update is a comment op,
// vacuously true for an empty op list. Comment-only updates never change
// document text, so viewers may submit them.
func isCommentUpdate(update *OtUpdate) bool {
	for _, op := range update.Op {
		if _, ok := op["c"]; !ok {
			return false
		}
	}
	return true
}

// encodeForWebsocket reinterprets the string's UTF-8 bytes as individual
// code points, producing a string the browser-side transport can carry
// without mangling multi-byte characters.
func encodeForWebsocket(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errors.New("invalid utf-8 in document content")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, by := range []byte(s) {
		b.WriteRune(rune(by))
	}
	return b.String(), nil
}

// stripCommentsFromRanges removes the comments list from a ranges payload so
// restricted users never see comment threads.
func stripCommentsFromRanges(ranges json.RawMessage) (json.RawMessage, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(ranges, &parsed); err != nil {
		return nil, err
	}
	delete(parsed, "comments")
	return json.Marshal(parsed)
}

// encodeRangesForWebsocket applies websocket-safe encoding to the comment
// and tracked-change text carried inside a ranges payload.
func encodeRangesForWebsocket(ranges json.RawMessage) (json.RawMessage, error) {
	var parsed map[string]any
	if err := json.Unmarshal(ranges, &parsed); err != nil {
		return nil, err
	}
	for _, key := range []string{"comments", "changes"} {
		entries, ok := parsed[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range entries {
			obj, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			op, ok := obj["op"].(map[string]any)
			if !ok {
				continue
			}
			for _, field := range []string{"c", "i", "d"} {
				if text, ok := op[field].(string); ok {
					encoded, err := encodeForWebsocket(text)
					if err != nil {
						return nil, err
					}
					op[field] = encoded
				}
			}
		}
	}
	return json.Marshal(parsed)
}
