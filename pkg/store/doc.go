// Package store persists threads and their append-only message logs.
//
// Invariants:
// - Message ids come from an AUTOINCREMENT key: strictly increasing, never reused.
// - Messages are only inserted, never updated or deleted.
// - Thread status changes are compare-and-set on the current status; a lost
//   race surfaces as *thread.ConflictError.
// - Admitting a new turn appends the user message and moves the thread to
//   pending in one transaction.
//
// Usage:
//
//	st, _ := store.NewSQLiteStore(store.Config{Path: "/var/lib/sqlsaber/app.db"})
//	defer st.Close()
//	th, _, _ := st.CreateThread(ctx, store.NewThreadParams{Prompt: "top customers?", DatabaseConnectionID: 1, ModelConfigID: 1})
//	msgs, _ := st.ListMessages(ctx, th.ID, 0)
package store
