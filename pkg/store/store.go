package store

import (
	"context"
	"time"

	"github.com/harun/sqlsaber/pkg/thread"
)

// Store is the authoritative thread record plus the message log
type Store interface {
	// CreateThread creates a pending thread and its first user message.
	CreateThread(ctx context.Context, params NewThreadParams) (*thread.Thread, thread.Message, error)

	// GetThread returns thread.ErrNotFound for unknown ids.
	GetThread(ctx context.Context, id string) (*thread.Thread, error)

	// ListThreads returns threads ordered by most recent update.
	ListThreads(ctx context.Context, limit int) ([]thread.Thread, error)

	// AdmitTurn moves a terminal thread to pending and appends the user
	// prompt atomically. Active threads yield *thread.ConflictError and
	// nothing is written.
	AdmitTurn(ctx context.Context, params TurnParams) (*thread.Thread, thread.Message, error)

	// Transition moves a thread to status `to` if its current status may
	// legally precede it. errMsg is stored only for StatusError.
	Transition(ctx context.Context, id string, to thread.Status, errMsg string) (*thread.Thread, error)

	// FailTurn moves an active thread to error only while promptID is still
	// its latest user message, so a stale job cannot fail a newer turn.
	// Otherwise it yields *thread.ConflictError.
	FailTurn(ctx context.Context, id string, promptID int64, errMsg string) (*thread.Thread, error)

	// SetTitleIfEmpty sets the title unless one is already present.
	SetTitleIfEmpty(ctx context.Context, id string, title string) error

	// AppendMessage assigns the next id and persists the message.
	AppendMessage(ctx context.Context, msg thread.Message) (thread.Message, error)

	// ListMessages returns messages with id > after in ascending id order.
	ListMessages(ctx context.Context, threadID string, after int64) ([]thread.Message, error)

	// ListActiveBefore returns pending/running threads not updated since cutoff.
	ListActiveBefore(ctx context.Context, cutoff time.Time) ([]thread.Thread, error)

	Close() error
}

// NewThreadParams describes a thread created from a first prompt
type NewThreadParams struct {
	Prompt               string
	DatabaseConnectionID int64
	ModelConfigID        int64
}

// TurnParams describes a follow-up prompt on an existing thread. Zero
// binding ids keep the thread's current binding.
type TurnParams struct {
	ThreadID             string
	Prompt               string
	DatabaseConnectionID int64
	ModelConfigID        int64
}
