// Package pgstore is the PostgreSQL backend of the durable store.
//
// It keeps the contract of the SQLite store (idempotent batch append,
// point and range reads, leased connections with paged cursors) over a
// pgx connection pool. Values are stored as JSONB and read back as text,
// then re-decoded, so signatures verify against the canonical encoding.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config tunes the pool.
type Config struct {
	// MaxConns is how many connections streams may lease at once. The pool
	// holds store.ReservedConns more. Zero selects store.DefaultMaxConns.
	MaxConns int32
	// BatchSize is the cursor page size. Zero selects store.DefaultBatchSize.
	BatchSize int
}

// Store is a PostgreSQL-backed feed store.
type Store struct {
	pool      *pgxpool.Pool
	batchSize int
	streams   *semaphore.Weighted
	leases    atomic.Int64
}

var _ store.Leaser = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	streams := cfg.MaxConns
	if streams <= 0 {
		streams = store.DefaultMaxConns
	}
	poolCfg.MaxConns = streams + store.ReservedConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = store.DefaultBatchSize
	}
	return &Store{
		pool:      pool,
		batchSize: batch,
		streams:   semaphore.NewWeighted(int64(streams)),
	}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// ActiveLeases returns the number of leased, unreleased connections.
func (s *Store) ActiveLeases() int64 {
	return s.leases.Load()
}

// AppendBatch inserts envs in order inside one transaction and returns how
// many rows were new. Envelopes already stored are skipped.
func (s *Store) AppendBatch(ctx context.Context, envs []*envelope.Envelope) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("append", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, env := range envs {
		if env == nil {
			return 0, wrap("append", errors.New("nil envelope"))
		}
		value, err := env.Value.Encode()
		if err != nil {
			return 0, wrap("append", fmt.Errorf("encode %s: %w", env.Key, err))
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (key, author, sequence, timestamp, value)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (key) DO NOTHING
		`, string(env.Key), string(env.Value.Author), env.Value.Sequence, env.Value.Timestamp, string(value))
		if err != nil {
			return 0, wrap("append", fmt.Errorf("insert %s: %w", env.Key, err))
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("append", fmt.Errorf("commit: %w", err))
	}
	return inserted, nil
}

// Get retrieves an envelope by key.
func (s *Store) Get(ctx context.Context, key envelope.MsgKey) (*envelope.Envelope, error) {
	return s.queryOne(ctx, "get", `
		SELECT key, value::text FROM messages WHERE key = $1
	`, string(key))
}

// Last returns the highest-sequence envelope of author.
func (s *Store) Last(ctx context.Context, author envelope.FeedID) (*envelope.Envelope, error) {
	return s.queryOne(ctx, "last", `
		SELECT key, value::text FROM messages
		WHERE author = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, string(author))
}

// Range returns the envelopes selected by q in ascending sequence order.
func (s *Store) Range(ctx context.Context, q store.RangeQuery) ([]*envelope.Envelope, error) {
	n := q.Limit
	if n <= 0 {
		n = -1
	}
	envs, err := readPage(ctx, s.pool, q.Author, q.Since, n)
	if err != nil {
		return nil, wrap("range", err)
	}
	return envs, nil
}

// Count returns the number of rows stored under key.
func (s *Store) Count(ctx context.Context, key envelope.MsgKey) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE key = $1`, string(key)).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// CountFeed returns the number of stored envelopes of author.
func (s *Store) CountFeed(ctx context.Context, author envelope.FeedID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE author = $1`, string(author)).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// About returns the about entry that currently claims name.
func (s *Store) About(ctx context.Context, name string) (*envelope.Envelope, error) {
	return s.queryOne(ctx, "about", `
		SELECT m1.key, m1.value::text
		FROM messages m1
		WHERE m1.value->'content'->>'type' = 'about'
		  AND m1.value->'content'->>'name' = $1
		  AND m1.sequence = (
			SELECT MAX(m2.sequence) FROM messages m2
			WHERE m2.author = m1.author
			  AND m2.value->'content'->>'type' = 'about'
		  )
		ORDER BY m1.timestamp DESC
		LIMIT 1
	`, name)
}

// IsFollowing reports whether the latest contact entry from source about
// dest has following set to true.
func (s *Store) IsFollowing(ctx context.Context, source, dest envelope.FeedID) (bool, error) {
	var following bool
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(value->'content'->'following' = 'true'::jsonb, false)
		FROM messages
		WHERE author = $1
		  AND value->'content'->>'type' = 'contact'
		  AND value->'content'->>'contact' = $2
		ORDER BY sequence DESC
		LIMIT 1
	`, string(source), string(dest)).Scan(&following)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("is following", err)
	}
	return following, nil
}

// Lease acquires one pooled connection for a stream. When the lease
// budget is spent, Lease waits for a release or for ctx to end.
func (s *Store) Lease(ctx context.Context) (*store.Lease, error) {
	if err := s.streams.Acquire(ctx, 1); err != nil {
		return nil, wrap("lease", err)
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.streams.Release(1)
		return nil, wrap("lease", err)
	}
	s.leases.Add(1)

	read := func(ctx context.Context, q store.RangeQuery, after int64, n int) ([]*envelope.Envelope, error) {
		return readPage(ctx, conn, q.Author, after, n)
	}
	release := func() error {
		s.leases.Add(-1)
		conn.Release()
		s.streams.Release(1)
		return nil
	}
	return store.NewLease(read, s.batchSize, release), nil
}

func (s *Store) queryOne(ctx context.Context, op, sql string, args ...any) (*envelope.Envelope, error) {
	var key, value string
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&key, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrap(op, err)
	}
	return decode(key, value)
}

// querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// readPage reads up to n envelopes of author after sequence after. A
// negative n reads to the end of the feed (LIMIT NULL).
func readPage(ctx context.Context, q querier, author envelope.FeedID, after int64, n int) ([]*envelope.Envelope, error) {
	var limit any
	if n >= 0 {
		limit = n
	}
	rows, err := q.Query(ctx, `
		SELECT key, value::text FROM messages
		WHERE author = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, string(author), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	out := []*envelope.Envelope{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		env, err := decode(key, value)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}

func decode(key, value string) (*envelope.Envelope, error) {
	v, err := envelope.DecodeValue([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", key, err)
	}
	return &envelope.Envelope{Key: envelope.MsgKey(key), Value: v}, nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique violation,
// which AppendBatch returns when a different envelope claims an occupied
// (author, sequence) slot.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrap(op string, err error) error {
	return &store.StoreError{Op: op, Err: err}
}
