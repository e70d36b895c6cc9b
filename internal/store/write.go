package store

import (
	"context"
	"fmt"

	"github.com/roach88/feedlog/internal/envelope"
)

// AppendBatch inserts envs in order inside one transaction and returns how
// many rows were new. Uses ON CONFLICT(key) DO NOTHING for idempotency -
// envelopes that are already stored are silently skipped.
//
// Any other failure rolls back the whole batch and is returned as a
// *StoreError. A different envelope claiming an occupied (author, sequence)
// slot is such a failure.
func (s *Store) AppendBatch(ctx context.Context, envs []*envelope.Envelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	rows := make([]row, len(envs))
	for i, env := range envs {
		r, err := marshalEnvelope(env)
		if err != nil {
			return 0, wrap("append", err)
		}
		rows[i] = r
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("append", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (key, author, sequence, timestamp, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`)
	if err != nil {
		return 0, wrap("append", fmt.Errorf("prepare: %w", err))
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range rows {
		result, err := stmt.ExecContext(ctx, r.key, r.author, r.sequence, r.timestamp, r.value)
		if err != nil {
			return 0, wrap("append", fmt.Errorf("insert %s: %w", r.key, err))
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, wrap("append", fmt.Errorf("rows affected: %w", err))
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("append", fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}
