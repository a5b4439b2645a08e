// Package storage persists stream message history and the chat directory.
//
// Two backends are available:
//   - "sqlite": a single SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": JSON snapshot plus an append-only JSON Lines journal
//
// Both implement notify.Persister and notify.Directory, so the dispatcher can
// write history snapshots and apply chat removals and migrations directly.
package storage
