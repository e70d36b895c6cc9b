package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/feedlog/internal/envelope"
)

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get retrieves an envelope by key. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key envelope.MsgKey) (*envelope.Envelope, error) {
	env, err := scanEnvelope(s.db.QueryRowContext(ctx, `
		SELECT key, value FROM messages WHERE key = ?
	`, string(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return env, nil
}

// Last returns the highest-sequence envelope of author. Returns
// ErrNotFound for a feed with no entries.
func (s *Store) Last(ctx context.Context, author envelope.FeedID) (*envelope.Envelope, error) {
	env, err := scanEnvelope(s.db.QueryRowContext(ctx, `
		SELECT key, value FROM messages
		WHERE author = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, string(author)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("last", err)
	}
	return env, nil
}

// Range returns the envelopes of q.Author with sequence > q.Since in
// ascending sequence order, at most q.Limit of them (0 means no limit).
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Range(ctx context.Context, q RangeQuery) ([]*envelope.Envelope, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	envs, err := readPage(ctx, s.db, q.Author, q.Since, limit)
	if err != nil {
		return nil, wrap("range", err)
	}
	return envs, nil
}

// Count returns the number of rows stored under key (0 or 1).
func (s *Store) Count(ctx context.Context, key envelope.MsgKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE key = ?`, string(key)).Scan(&n)
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// CountFeed returns the number of stored envelopes of author.
func (s *Store) CountFeed(ctx context.Context, author envelope.FeedID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE author = ?`, string(author)).Scan(&n)
	if err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// About returns the about entry that currently claims name: the latest
// about entry of its author must carry that name. Returns ErrNotFound when
// no author currently claims it.
func (s *Store) About(ctx context.Context, name string) (*envelope.Envelope, error) {
	env, err := scanEnvelope(s.db.QueryRowContext(ctx, `
		SELECT m1.key, m1.value
		FROM messages m1
		WHERE json_extract(m1.value, '$.content.type') = 'about'
		  AND json_extract(m1.value, '$.content.name') = ?
		  AND m1.sequence = (
			SELECT MAX(m2.sequence) FROM messages m2
			WHERE m2.author = m1.author
			  AND json_extract(m2.value, '$.content.type') = 'about'
		  )
		ORDER BY m1.timestamp DESC
		LIMIT 1
	`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("about", err)
	}
	return env, nil
}

// IsFollowing reports whether the latest contact entry from source about
// dest has following set to true.
func (s *Store) IsFollowing(ctx context.Context, source, dest envelope.FeedID) (bool, error) {
	var following any
	err := s.db.QueryRowContext(ctx, `
		SELECT json_extract(value, '$.content.following')
		FROM messages
		WHERE author = ?
		  AND json_extract(value, '$.content.type') = 'contact'
		  AND json_extract(value, '$.content.contact') = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, string(source), string(dest)).Scan(&following)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("is following", err)
	}
	// json_extract renders JSON true as integer 1.
	n, ok := following.(int64)
	return ok && n == 1, nil
}

// readPage reads up to n envelopes of author after sequence after.
// A negative n reads to the end of the feed.
func readPage(ctx context.Context, q querier, author envelope.FeedID, after int64, n int) ([]*envelope.Envelope, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, value FROM messages
		WHERE author = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, string(author), after, n)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return collect(rows)
}
