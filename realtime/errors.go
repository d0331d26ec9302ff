package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized is returned whenever a client fails a privilege
	// check. It is an expected, frequent condition and is never logged at
	// error level.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotJoined is returned for operations that require the client to
	// have joined a project first.
	ErrNotJoined = errors.New("no project joined")

	// ErrAbandoned is the third outcome of a join operation, distinct from
	// success and failure: the client disconnected mid-flight or a newer
	// join/leave superseded this one. Callers must drop the result without
	// reporting an error to the client.
	ErrAbandoned = errors.New("operation superseded or client disconnected")
)

// UpdateTooLargeError reports an OT update that exceeds the configured size
// limit. It is handled as a distinct, non-fatal condition: the submitting
// client is told the update was received, then disconnected shortly after.
type UpdateTooLargeError struct {
	UpdateSize int
	Limit      int
}

func (e *UpdateTooLargeError) Error() string {
	return fmt.Sprintf("update is too large: %d bytes (limit %d)", e.UpdateSize, e.Limit)
}
