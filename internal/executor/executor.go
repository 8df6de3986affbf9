// Package executor defines the interface to the external execution agent
// and a CLI-backed implementation. The agent technology itself is opaque to
// the conductor: one session per role, instructions in, a progress stream
// out.
package executor

import (
	"context"
	"time"

	"github.com/veloxhq/conductor/internal/model"
)

// EventKind classifies a progress event.
type EventKind string

const (
	KindToolUse EventKind = "tool_use"
	KindText    EventKind = "text"
	KindResult  EventKind = "result"
	KindError   EventKind = "error"
)

// ProgressEvent is one unit of incremental output from a running
// instruction. A stream ends with exactly one KindResult or KindError
// event, after which the channel is closed.
type ProgressEvent struct {
	Kind    EventKind `json:"kind"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at"`
}

// Handle identifies one live agent session.
type Handle struct {
	ID        string
	Role      model.Role
	Workspace string
}

// Agent is the external execution capability. Implementations must be safe
// for concurrent use across distinct handles; operations on one handle are
// serialized by the session manager.
type Agent interface {
	// Start opens a session for a role scoped to a workspace subtree.
	Start(ctx context.Context, r model.Role, workspace string) (*Handle, error)

	// Send forwards an instruction to the session and returns its progress
	// stream. The stream is closed after the terminal result/error event.
	Send(ctx context.Context, h *Handle, instruction string) (<-chan ProgressEvent, error)

	// Stop terminates the session and releases its resources. Stopping an
	// unknown or already-stopped handle is a no-op.
	Stop(ctx context.Context, h *Handle) error
}
