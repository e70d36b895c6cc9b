package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/feedlog/internal/envelope"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added author/content-type index for About and IsFollowing
const currentSchemaVersion = 1

// DefaultMaxConns is the number of connections history streams may lease
// at once.
const DefaultMaxConns = 8

// ReservedConns are pooled on top of the lease budget for batch writes and
// point reads.
const ReservedConns = 2

// Store provides durable storage for feed entries.
// Uses SQLite with WAL mode for concurrent reads while appending.
type Store struct {
	db        *sql.DB
	batchSize int
	streams   *semaphore.Weighted
	leases    atomic.Int64
}

// Option configures Open.
type Option func(*options)

type options struct {
	maxConns  int
	batchSize int
}

// WithMaxConns sets how many connections streams may lease at once. The
// pool holds ReservedConns more.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithBatchSize sets the number of rows a cursor reads per page.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// Pragmas are passed in the DSN so every pooled connection gets them:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{maxConns: DefaultMaxConns, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(o.maxConns + ReservedConns)
	db.SetMaxIdleConns(o.maxConns + ReservedConns)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:        db,
		batchSize: o.batchSize,
		streams:   semaphore.NewWeighted(int64(o.maxConns)),
	}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	// "_txlock=immediate" takes the write lock at BEGIN, so concurrent
	// batches queue on busy_timeout instead of failing on upgrade.
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ActiveLeases returns the number of leased, unreleased connections.
func (s *Store) ActiveLeases() int64 {
	return s.leases.Load()
}

// Lease takes one connection from the pool for the caller's exclusive use.
// The connection returns to the pool when the lease is released. When the
// lease budget is spent, Lease waits for a release or for ctx to end.
func (s *Store) Lease(ctx context.Context) (*Lease, error) {
	if err := s.streams.Acquire(ctx, 1); err != nil {
		return nil, wrap("lease", err)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.streams.Release(1)
		return nil, wrap("lease", err)
	}
	s.leases.Add(1)

	read := func(ctx context.Context, q RangeQuery, after int64, n int) ([]*envelope.Envelope, error) {
		return readPage(ctx, conn, q.Author, after, n)
	}
	release := func() error {
		s.leases.Add(-1)
		defer s.streams.Release(1)
		if err := conn.Close(); err != nil {
			return wrap("release", err)
		}
		return nil
	}
	return NewLease(read, s.batchSize, release), nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the author/content-type index for databases created
// before it was part of schema.sql.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_author_type
		ON messages(author, json_extract(value, '$.content.type'), sequence)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
