package realtime

import (
	"context"
	"sync"

	"github.com/ericfitz/realtime/internal/slogging"
)

// RoomManager coordinates local room membership with the backbone
// subscription lifecycle. A process is subscribed to a room's channel if and
// only if at least one local connection is a member, and the 0->1 and 1->0
// transitions are detected exactly once, from a pre-mutation snapshot of the
// local count.
type RoomManager struct {
	hub    *Hub
	events *RoomEvents

	// mu linearizes membership changes so transition detection can never
	// race with a concurrent join or leave for the same room.
	mu sync.Mutex
}

// NewRoomManager creates a room manager over the given local registry.
func NewRoomManager(hub *Hub) *RoomManager {
	return &RoomManager{
		hub:    hub,
		events: NewRoomEvents(),
	}
}

// Events returns the process-local room event broker.
func (r *RoomManager) Events() *RoomEvents {
	return r.events
}

// JoinProject adds the client to the project's room, establishing the
// backbone subscription first if this is the first local member.
func (r *RoomManager) JoinProject(ctx context.Context, client *Client, projectID string) error {
	return r.joinRoom(ctx, client, projectID)
}

// JoinDoc adds the client to the document's room, establishing the backbone
// subscription first if this is the first local member.
func (r *RoomManager) JoinDoc(ctx context.Context, client *Client, docID string) error {
	return r.joinRoom(ctx, client, docID)
}

// LeaveDoc removes the client from the document's room.
func (r *RoomManager) LeaveDoc(client *Client, docID string) {
	r.leaveRoom(client, docID)
}

// LeaveProjectAndDocs removes the client from every room it is a member of,
// applying the emptying protocol to each.
func (r *RoomManager) LeaveProjectAndDocs(client *Client) {
	for _, roomID := range r.hub.ClientRooms(client) {
		r.leaveRoom(client, roomID)
	}
}

func (r *RoomManager) joinRoom(ctx context.Context, client *Client, roomID string) error {
	r.mu.Lock()
	before := r.hub.RoomCount(roomID)
	r.hub.join(roomID, client)
	if before > 0 {
		// Another local member already guarantees the subscription exists.
		r.mu.Unlock()
		return nil
	}
	// First local member: the backbone subscription must be established
	// before the join completes, so no events are missed. Register the
	// waiter before emitting to close the window where the subscription
	// could settle unseen. The event itself is emitted under r.mu so a
	// racing opposite transition cannot reorder it; handlers are
	// synchronous and must not block.
	wait := r.events.SubscribedOnce(roomID)
	slogging.Get().Debug("room %s is now active", roomID)
	r.events.Emit(RoomEvent{Kind: RoomActive, RoomID: roomID})
	r.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RoomManager) leaveRoom(client *Client, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hub.leave(roomID, client)
	if r.hub.RoomCount(roomID) > 0 {
		return
	}
	slogging.Get().Debug("room %s is now empty", roomID)
	r.events.Emit(RoomEvent{Kind: RoomEmpty, RoomID: roomID})
}

// emitOnCompletion settles the room's subscription waiters once every given
// future has settled. The first failure is reported to waiters; failures of
// the underlying calls are otherwise swallowed here, because the issuing
// call site has already recorded metrics and cleaned up its own state.
func emitOnCompletion(events *RoomEvents, roomID string, ops []*PendingOp) {
	go func() {
		var firstErr error
		for _, op := range ops {
			<-op.Done()
			if firstErr == nil {
				firstErr = op.Err()
			}
		}
		events.EmitSubscribed(roomID, firstErr)
	}()
}
