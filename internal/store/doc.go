// Package store provides durable storage for feed entries.
//
// The default backend is SQLite. Each envelope is one row in messages,
// content-addressed by key, with a UNIQUE(author, sequence) index that
// serves range scans in ascending sequence order.
//
// # Idempotency
//
// AppendBatch inserts with ON CONFLICT(key) DO NOTHING: appending an
// envelope that is already stored is a no-op, not an error. Every other
// failure is returned as a *StoreError.
//
// # Streaming reads
//
// History readers lease one connection for the lifetime of a stream
// (Lease) and open a Cursor on it. PagedCursor pushes rows to a handler
// one at a time, reading keyset pages of a few rows so readahead stays
// bounded, and can be paused and resumed between rows. A Lease is released
// exactly once; further Release calls return ErrReleased.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Values are stored as canonical JSON produced by internal/envelope.
package store
