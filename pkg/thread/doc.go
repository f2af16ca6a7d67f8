// Package thread defines conversation threads, their run status machine, and
// the append-only message kinds recorded for each run.
//
// Invariants:
// - Status moves pending -> running -> completed|error within a run.
// - A completed or errored thread re-enters pending on a new user turn.
// - Messages are never mutated after creation; ids only grow.
//
// Usage:
//
//	if !thread.CanTransition(t.Status, thread.StatusRunning) {
//		return thread.NewConflictError(t.ID, t.Status)
//	}
package thread
