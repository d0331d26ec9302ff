package realtime

import "sync"

// RoomEventKind enumerates the process-local room lifecycle events. The set
// is closed: fanout code switches on these values and nothing else.
type RoomEventKind int

const (
	// RoomActive fires when a room gains its first local member.
	RoomActive RoomEventKind = iota
	// RoomEmpty fires when a room loses its last local member.
	RoomEmpty
)

// RoomEvent describes one room lifecycle transition.
type RoomEvent struct {
	Kind   RoomEventKind
	RoomID string
}

type roomKey struct {
	roomID string
}

// RoomEvents is the process-local broker connecting the RoomManager to the
// backbone subscription code. Lifecycle handlers are invoked synchronously
// on the emitting goroutine so that 0->1 and 1->0 transitions for a room
// reach the ChannelManager in order; the blocking part of a subscribe
// happens after registration, so emitting is cheap.
type RoomEvents struct {
	mu       sync.Mutex
	handlers []func(RoomEvent)
	waiters  map[roomKey][]chan error
}

// NewRoomEvents creates an empty broker.
func NewRoomEvents() *RoomEvents {
	return &RoomEvents{
		waiters: make(map[roomKey][]chan error),
	}
}

// OnRoomEvent registers a handler for room lifecycle events. Handlers must
// not block.
func (e *RoomEvents) OnRoomEvent(handler func(RoomEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// Emit delivers a lifecycle event to every handler.
func (e *RoomEvents) Emit(event RoomEvent) {
	e.mu.Lock()
	handlers := make([]func(RoomEvent), len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

// SubscribedOnce returns a channel that receives exactly one value when the
// room's backbone subscription settles. Joins that trigger a 0->1 transition
// wait on this before completing.
func (e *RoomEvents) SubscribedOnce(roomID string) <-chan error {
	ch := make(chan error, 1)
	key := roomKey{roomID: roomID}
	e.mu.Lock()
	e.waiters[key] = append(e.waiters[key], ch)
	e.mu.Unlock()
	return ch
}

// EmitSubscribed settles every waiter for the room. A nil err means the
// subscription is established.
func (e *RoomEvents) EmitSubscribed(roomID string, err error) {
	key := roomKey{roomID: roomID}
	e.mu.Lock()
	waiters := e.waiters[key]
	delete(e.waiters, key)
	e.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}
