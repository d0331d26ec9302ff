package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ericfitz/realtime/internal/redisconn"
	"github.com/ericfitz/realtime/internal/slogging"
)

// EditorEventsChannel is the fixed cross-process fanout channel.
const EditorEventsChannel = "editor-events"

// AccessRevokedMessage replaces the original event for a client whose access
// the event itself revoked.
const AccessRevokedMessage = "project:access:revoked"

// restrictedMessages is the closed set of message names withheld from
// restricted (public link, read-only) users. Keep this list explicit and
// exhaustively tested: silently misclassifying a message changes who
// receives sensitive events.
var restrictedMessages = map[string]bool{
	"new-comment":      true,
	"delete-comment":   true,
	"resolve-thread":   true,
	"reopen-thread":    true,
	"delete-thread":    true,
	"edit-message":     true,
	"delete-message":   true,
	"new-chat-message": true,
}

// roomEnvelope is the JSON frame carried on the backbone.
type roomEnvelope struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
	Payload []any  `json:"payload"`
	// MessageID is "{senderID}/{seq}", used only for ordering diagnostics
	// and duplicate suppression.
	MessageID string `json:"_id,omitempty"`
}

// WebsocketLoadBalancer publishes room-scoped events to the backbone and,
// on every process, delivers inbound backbone events to the locally-held
// connections that belong to the room.
type WebsocketLoadBalancer struct {
	pools          *redisconn.Pools
	channels       *ChannelManager
	clients        ClientLister
	eventLogger    *EventLogger
	connectedUsers *ConnectedUsersManager

	senderID   string
	seq        atomic.Int64
	pubCounter atomic.Int64

	// maxPayload bounds inbound backbone frames.
	maxPayload int
}

// NewWebsocketLoadBalancer creates the fanout engine. senderID must be
// unique per process; it attributes published messages for the ordering
// ledger on receiving processes.
func NewWebsocketLoadBalancer(pools *redisconn.Pools, channels *ChannelManager, clients ClientLister, connectedUsers *ConnectedUsersManager, senderID string, maxPayload int) *WebsocketLoadBalancer {
	return &WebsocketLoadBalancer{
		pools:          pools,
		channels:       channels,
		clients:        clients,
		eventLogger:    NewEventLogger(),
		connectedUsers: connectedUsers,
		senderID:       senderID,
		maxPayload:     maxPayload,
	}
}

// EmitToRoom publishes an event for every member of the room, on every
// process.
func (l *WebsocketLoadBalancer) EmitToRoom(ctx context.Context, roomID, message string, payload ...any) error {
	if payload == nil {
		payload = []any{}
	}
	envelope := roomEnvelope{
		RoomID:    roomID,
		Message:   message,
		Payload:   payload,
		MessageID: fmt.Sprintf("%s/%d", l.senderID, l.seq.Add(1)),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to serialize room event: %w", err)
	}
	// One pooled publish connection per message; round-robin spreads load.
	pub := l.pools.Pub[int(l.pubCounter.Add(1))%len(l.pools.Pub)]
	return l.channels.Publish(ctx, pub, EditorEventsChannel, roomID, data)
}

// EmitToAll publishes an event for every connection on every process.
func (l *WebsocketLoadBalancer) EmitToAll(ctx context.Context, message string, payload ...any) error {
	return l.EmitToRoom(ctx, "all", message, payload...)
}

// ListenForEditorEvents subscribes every pooled receiver to the fanout
// channel, wires room lifecycle transitions to per-room subscriptions, and
// starts the delivery loops.
func (l *WebsocketLoadBalancer) ListenForEditorEvents(ctx context.Context, rooms *RoomManager) error {
	events := rooms.Events()
	events.OnRoomEvent(func(event RoomEvent) {
		switch event.Kind {
		case RoomActive:
			ops := make([]*PendingOp, 0, len(l.pools.Sub))
			for _, sub := range l.pools.Sub {
				ops = append(ops, l.channels.Subscribe(ctx, sub, EditorEventsChannel, event.RoomID))
			}
			emitOnCompletion(events, event.RoomID, ops)
		case RoomEmpty:
			for _, sub := range l.pools.Sub {
				// Failures are already recorded by the channel manager;
				// the entry is cleaned up either way.
				l.channels.Unsubscribe(ctx, sub, EditorEventsChannel, event.RoomID)
			}
		}
	})

	for _, sub := range l.pools.Sub {
		if err := sub.Subscribe(ctx, EditorEventsChannel); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", EditorEventsChannel, err)
		}
		go l.deliveryLoop(ctx, sub)
	}
	return nil
}

func (l *WebsocketLoadBalancer) deliveryLoop(ctx context.Context, sub *redisconn.Subscriber) {
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			l.processEditorEvent(ctx, msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}

// processEditorEvent parses one backbone frame and fans it out to the local
// members of the target room.
func (l *WebsocketLoadBalancer) processEditorEvent(ctx context.Context, channel string, data []byte) {
	var envelope roomEnvelope
	if err := parseSafeJSON(data, l.maxPayload, &envelope); err != nil {
		slogging.Get().Error("error parsing %s message: %v", channel, err)
		return
	}

	if envelope.MessageID != "" {
		sender, _, found := strings.Cut(envelope.MessageID, "/")
		if found {
			if status := l.eventLogger.CheckEventOrder(EditorEventsChannel, sender, envelope.MessageID); status == EventDuplicate {
				return
			}
		}
	}

	if envelope.RoomID == "all" {
		for _, client := range l.clients.AllClients() {
			client.Emit(envelope.Message, envelope.Payload...)
		}
		return
	}

	clients := l.clients.RoomClients(envelope.RoomID)
	if len(clients) == 0 {
		return
	}
	isRestrictedMessage := restrictedMessages[envelope.Message]

	// The room listing can contain duplicate handles for one connection;
	// deliver to each local id exactly once.
	seen := make(map[string]bool, len(clients))
	for _, client := range clients {
		if seen[client.ID] {
			continue
		}
		seen[client.ID] = true

		if isRestrictedMessage && client.Context().IsRestrictedUser {
			continue
		}
		if shouldDisconnectClient(client, &envelope) {
			slogging.Get().Info("disconnecting client %s: message %s revoked its access", client.PublicID, envelope.Message)
			client.Emit(AccessRevokedMessage)
			client.Disconnect()
			continue
		}
		if envelope.Message == "clientTracking.refresh" && l.connectedUsers != nil {
			if projectID := client.ProjectID(); projectID != "" {
				go func(clientID string) {
					if err := l.connectedUsers.RefreshClient(context.Background(), projectID, clientID); err != nil {
						slogging.Get().Warn("failed to refresh client %s: %v", clientID, err)
					}
				}(client.PublicID)
			}
		}
		client.Emit(envelope.Message, envelope.Payload...)
	}
}

// shouldDisconnectClient reports whether a message semantically revokes this
// specific connection's access. The message set is closed and must stay in
// sync with the web application's notifications.
func shouldDisconnectClient(client *Client, envelope *roomEnvelope) bool {
	cctx := client.Context()
	switch envelope.Message {
	case "userRemovedFromProject":
		if len(envelope.Payload) == 0 {
			return false
		}
		removedUserID, ok := envelope.Payload[0].(string)
		return ok && removedUserID == cctx.UserID

	case "project:collaboratorAccessLevel:changed":
		body, ok := payloadObject(envelope.Payload)
		if !ok {
			return false
		}
		changedUserID, _ := body["userId"].(string)
		return changedUserID != "" && changedUserID == cctx.UserID

	case "project:publicAccessLevel:changed":
		body, ok := payloadObject(envelope.Payload)
		if !ok {
			return false
		}
		// Only turning link sharing fully off evicts anyone; "tokenBased"
		// keeps token members connected.
		newAccessLevel, _ := body["newAccessLevel"].(string)
		return newAccessLevel == "private" && !cctx.IsInvitedMember

	default:
		return false
	}
}

func payloadObject(payload []any) (map[string]any, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	body, ok := payload[0].(map[string]any)
	return body, ok
}
