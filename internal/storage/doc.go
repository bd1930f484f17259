// Package storage persists scheduler snapshots and the job event journal.
//
// Drivers:
//   - file: snapshot file (atomic replace) + append-only JSON Lines journal
//   - sqlite: single database file (build tag "sqlite")
package storage
