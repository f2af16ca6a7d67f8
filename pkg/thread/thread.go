package thread

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the run status of a thread
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

const (
	// MaxTitleRunes bounds titles derived from the first prompt
	MaxTitleRunes = 100
	// MaxErrorLength bounds the error string stored on a thread
	MaxErrorLength = 1000
)

var (
	// ErrConflict is matched by ConflictError via errors.Is
	ErrConflict = errors.New("thread has an active run")
	// ErrNotFound is returned when a thread does not exist
	ErrNotFound = errors.New("thread not found")
)

// Thread is a single conversation bound to one database connection and one
// model configuration at a time.
type Thread struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Status               Status    `json:"status"`
	Error                string    `json:"error"`
	DatabaseConnectionID int64     `json:"database_connection_id"`
	ModelConfigID        int64     `json:"model_config_id"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Active reports whether a run is queued or executing
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the last run has finished
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status move.
func CanTransition(from, to Status) bool {
	switch to {
	case StatusPending:
		return from.Terminal()
	case StatusRunning:
		return from == StatusPending
	case StatusCompleted:
		return from == StatusRunning
	case StatusError:
		// pending -> error covers runs that die before they start
		return from.Active()
	}
	return false
}

// SourcesFor returns the statuses from which to is reachable.
func SourcesFor(to Status) []Status {
	out := make([]Status, 0, 2)
	for _, from := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusError} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ConflictError is returned when a run is requested while one is active
type ConflictError struct {
	ThreadID string
	Status   Status
}

// NewConflictError creates a ConflictError
func NewConflictError(threadID string, status Status) *ConflictError {
	return &ConflictError{ThreadID: threadID, Status: status}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("thread %s is %s: %s", e.ThreadID, e.Status, ErrConflict.Error())
}

// Is matches ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UserMessage returns the client-facing explanation for the conflict.
func (e *ConflictError) UserMessage() string {
	if e.Status == StatusPending {
		return "Thread has not started yet."
	}
	return "Thread is currently running. Please wait for completion."
}

// DeriveTitle builds a thread title from the first user prompt.
func DeriveTitle(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	return truncateRunes(prompt, MaxTitleRunes)
}

// TruncateError bounds an error message for storage on the thread.
func TruncateError(msg string) string {
	return truncateRunes(strings.TrimSpace(msg), MaxErrorLength)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
