package store

import (
	"context"
	"sync"

	"github.com/roach88/feedlog/internal/envelope"
)

// DefaultBatchSize is the number of rows a PagedCursor reads per page.
const DefaultBatchSize = 3

// RangeQuery selects the envelopes of Author with sequence > Since,
// ascending, at most Limit of them (0 means no limit).
type RangeQuery struct {
	Author envelope.FeedID
	Since  int64
	Limit  int
}

// PageReader reads up to n envelopes of q.Author with sequence > after.
type PageReader func(ctx context.Context, q RangeQuery, after int64, n int) ([]*envelope.Envelope, error)

// CursorHandler receives cursor events. OnData, OnEnd and OnError are
// called from the cursor's goroutine in order; after OnEnd or OnError the
// cursor always emits OnClose. Close before the natural end emits only
// OnClose. Nil callbacks are skipped.
type CursorHandler struct {
	OnData  func(*envelope.Envelope)
	OnEnd   func()
	OnError func(error)
	OnClose func()
}

// Cursor is a push-based range scan that can be paused between rows.
type Cursor interface {
	// Start begins delivering events to h. Only the first call has effect.
	Start(h CursorHandler)
	// Pause stops row delivery until Resume.
	Pause()
	// Resume continues row delivery.
	Resume()
	// Close stops the cursor. Idempotent.
	Close()
}

// PagedCursor implements Cursor with keyset pagination: each page is one
// short query resuming after the last delivered sequence.
type PagedCursor struct {
	read      PageReader
	query     RangeQuery
	batchSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	closed  bool
	started bool
}

// NewPagedCursor creates a cursor that reads batchSize rows per page.
// Cancelling ctx fails the cursor with ctx's error.
func NewPagedCursor(ctx context.Context, read PageReader, q RangeQuery, batchSize int) *PagedCursor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	c := &PagedCursor{read: read, query: q, batchSize: batchSize}
	c.cond = sync.NewCond(&c.mu)
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Start implements Cursor.
func (c *PagedCursor) Start(h CursorHandler) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run(h)
}

// Pause implements Cursor.
func (c *PagedCursor) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume implements Cursor.
func (c *PagedCursor) Resume() {
	c.mu.Lock()
	c.paused = false
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Paused reports whether row delivery is paused.
func (c *PagedCursor) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Close implements Cursor.
func (c *PagedCursor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.cancel()
}

func (c *PagedCursor) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// wait blocks while paused. It returns false once the cursor is closed and
// the context error when the parent context ends.
func (c *PagedCursor) wait() (bool, error) {
	stop := context.AfterFunc(c.ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.closed && c.ctx.Err() == nil {
		c.cond.Wait()
	}
	if c.closed {
		return false, nil
	}
	return true, c.ctx.Err()
}

func (c *PagedCursor) run(h CursorHandler) {
	defer c.cancel()

	closeOnly := func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	}
	fail := func(err error) {
		if h.OnError != nil {
			h.OnError(err)
		}
		closeOnly()
	}
	end := func() {
		if h.OnEnd != nil {
			h.OnEnd()
		}
		closeOnly()
	}

	after := c.query.Since
	remaining := c.query.Limit
	for {
		n := c.batchSize
		if c.query.Limit > 0 && remaining < n {
			n = remaining
		}
		if n == 0 {
			end()
			return
		}

		if ok, err := c.wait(); !ok {
			closeOnly()
			return
		} else if err != nil {
			fail(err)
			return
		}

		page, err := c.read(c.ctx, c.query, after, n)
		if err != nil {
			if c.isClosed() {
				closeOnly()
				return
			}
			fail(err)
			return
		}

		for _, env := range page {
			if ok, err := c.wait(); !ok {
				closeOnly()
				return
			} else if err != nil {
				fail(err)
				return
			}
			if h.OnData != nil {
				h.OnData(env)
			}
			after = env.Value.Sequence
			remaining--
		}

		if len(page) < n {
			end()
			return
		}
	}
}
