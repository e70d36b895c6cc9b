package store

import (
	"context"
	"sync/atomic"
)

// Leaser hands out connection leases for streaming reads.
type Leaser interface {
	Lease(ctx context.Context) (*Lease, error)
}

// Lease is one pooled connection held for the lifetime of a stream.
type Lease struct {
	read      PageReader
	batchSize int
	release   func() error
	released  atomic.Bool
}

// NewLease builds a lease around a page reader bound to the leased
// connection. release is called at most once.
func NewLease(read PageReader, batchSize int, release func() error) *Lease {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Lease{read: read, batchSize: batchSize, release: release}
}

// OpenCursor opens a paged cursor over q on the leased connection.
func (l *Lease) OpenCursor(ctx context.Context, q RangeQuery) Cursor {
	return NewPagedCursor(ctx, l.read, q, l.batchSize)
}

// Release returns the connection to the pool. Only the first call does
// anything; later calls return ErrReleased.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	if l.release == nil {
		return nil
	}
	return l.release()
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	return l.released.Load()
}
