package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PrivilegeLevel is a client's project-level privilege, as reported by the
// web API on joinProject.
type PrivilegeLevel string

const (
	PrivilegeOwner        PrivilegeLevel = "owner"
	PrivilegeReadAndWrite PrivilegeLevel = "readAndWrite"
	PrivilegeReview       PrivilegeLevel = "review"
	PrivilegeReadOnly     PrivilegeLevel = "readOnly"
	PrivilegeNone         PrivilegeLevel = ""
)

// ClientContext is the authorization context attached to a connection after
// it joins a project. All fields are guarded by the owning Client's mutex.
type ClientContext struct {
	ProjectID        string
	UserID           string
	OwnerID          string
	FirstName        string
	LastName         string
	Email            string
	PrivilegeLevel   PrivilegeLevel
	IsRestrictedUser bool
	IsInvitedMember  bool
	IsTokenMember    bool
	ConnectedAt      time.Time
}

// Message is one event delivered to a client over its transport.
type Message struct {
	Name string `json:"name"`
	Args []any  `json:"args,omitempty"`
}

// Client is one live transport session. The local ID identifies the
// underlying socket; the PublicID is process-wide unique and is what other
// processes and the presence store know the connection by.
type Client struct {
	ID       string
	PublicID string

	// joinLeaveEpoch orders a connection's own join/leave operations so a
	// slower older operation can never clobber a faster newer one.
	joinLeaveEpoch atomic.Int64

	disconnected atomic.Bool

	mu        sync.RWMutex
	context   ClientContext
	docAccess map[string]bool

	send     chan Message
	closonce sync.Once
	closed   chan struct{}

	// onDisconnect releases derived state (hub membership, presence) when
	// the connection goes away. Set by the transport layer.
	onDisconnect func()
}

// NewClient creates a client with a fresh public id and a buffered send
// queue of the given size.
func NewClient(localID string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{
		ID:        localID,
		PublicID:  uuid.New().String(),
		docAccess: make(map[string]bool),
		send:      make(chan Message, queueSize),
		closed:    make(chan struct{}),
	}
}

// Epoch returns the current join/leave epoch.
func (c *Client) Epoch() int64 {
	return c.joinLeaveEpoch.Load()
}

// BumpEpoch increments the join/leave epoch and returns the new value. Every
// join and leave call does this exactly once, at call start.
func (c *Client) BumpEpoch() int64 {
	return c.joinLeaveEpoch.Add(1)
}

// Disconnected reports whether the connection has gone away. Cancellation is
// advisory: in-flight operations check this flag at resumption points.
func (c *Client) Disconnected() bool {
	return c.disconnected.Load()
}

// Disconnect marks the client as gone, runs the disconnect hook once and
// wakes the transport write loop.
func (c *Client) Disconnect() {
	c.closonce.Do(func() {
		c.disconnected.Store(true)
		close(c.closed)
		if c.onDisconnect != nil {
			c.onDisconnect()
		}
	})
}

// SetOnDisconnect installs the hook that releases derived state.
func (c *Client) SetOnDisconnect(fn func()) {
	c.onDisconnect = fn
}

// Closed returns a channel that is closed when the client disconnects.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Emit queues an event for delivery to the client. A client that cannot
// keep up has its connection dropped rather than blocking the fanout path.
func (c *Client) Emit(name string, args ...any) {
	if c.Disconnected() {
		return
	}
	select {
	case c.send <- Message{Name: name, Args: args}:
	case <-c.closed:
	default:
		// Send queue full: the client is too slow to keep a consistent
		// view of the document, force a reconnect.
		c.Disconnect()
	}
}

// Outbound returns the queue the transport write loop drains.
func (c *Client) Outbound() <-chan Message {
	return c.send
}

// Context returns a copy of the client's authorization context.
func (c *Client) Context() ClientContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.context
}

// SetContext replaces the client's authorization context.
func (c *Client) SetContext(ctx ClientContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = ctx
}

// clearProjectContext detaches the client from its joined project, dropping
// the authorization context and per-doc grants. After this a repeated leave
// is a no-op.
func (c *Client) clearProjectContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = ClientContext{}
	c.docAccess = make(map[string]bool)
}

// ProjectID returns the project this client has joined, or "".
func (c *Client) ProjectID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.context.ProjectID
}

func (c *Client) addDocAccess(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docAccess[docID] = true
}

func (c *Client) removeDocAccess(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docAccess, docID)
}

func (c *Client) hasDocAccess(docID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.docAccess[docID]
}
