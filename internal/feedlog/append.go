package feedlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
	"github.com/roach88/feedlog/internal/metrics"
	"github.com/roach88/feedlog/internal/store"
	"github.com/roach88/feedlog/internal/validate"
)

const (
	kindPublish = "publish"
	kindAdd     = "add"
)

// AppendRequest asks the Log to author a new entry.
type AppendRequest struct {
	// Keys signs the entry; its ID is the target feed.
	Keys *keys.Keys
	// Content is the raw content, before boxing.
	Content any
	// HMACKey overrides the policy's network key for this entry.
	HMACKey []byte
}

// entry is one queued envelope. done is closed once err is final, so any
// number of callers may wait on it.
type entry struct {
	env  *envelope.Envelope
	kind string
	done chan struct{}
	err  error
}

func (e *entry) finish(err error) {
	e.err = err
	close(e.done)
}

// slot is a feed position. Two entries may never share one.
type slot struct {
	author   envelope.FeedID
	sequence int64
}

func slotOf(env *envelope.Envelope) slot {
	return slot{author: env.Value.Author, sequence: env.Value.Sequence}
}

var (
	errQueued = errors.New("feedlog: entry already queued")
	errStale  = errors.New("feedlog: batch written during lookup")
)

// Append authors, signs and queues the next entry of req.Keys' feed and
// blocks until it is durable. Validation failures return a
// *validate.ValidationError and leave the feed untouched. If ctx ends after
// the entry was queued, Append returns an error wrapping ErrNotDurable and
// the entry is still written.
func (l *Log) Append(ctx context.Context, req AppendRequest) (*envelope.Envelope, error) {
	if req.Keys == nil {
		metrics.RecordAppend(kindPublish, metrics.ResultInvalid)
		return nil, &validate.ValidationError{Code: validate.ErrCodeInvalidAuthor, Message: "missing signing keys"}
	}
	if err := l.boxers.Wait(ctx); err != nil {
		return nil, err
	}
	if err := l.validators.Wait(ctx); err != nil {
		return nil, err
	}

	content, err := l.transform.Run(ctx, req.Content)
	if err != nil {
		metrics.RecordAppend(kindPublish, metrics.ResultInvalid)
		return nil, fmt.Errorf("feedlog: transform content: %w", err)
	}

	e, err := l.enqueue(ctx, kindPublish, req.Keys.ID, func(state envelope.FeedState) (*envelope.Envelope, error) {
		env, err := l.policy.Next(state, req.Keys, req.HMACKey, content, l.clock.Next())
		if err != nil {
			return nil, err
		}
		// A synthesized envelope that fails its own check is never queued.
		if err := l.policy.Check(env, req.HMACKey); err != nil {
			return nil, err
		}
		return env, nil
	})
	if err != nil {
		if validate.IsValidationError(err) {
			metrics.RecordAppend(kindPublish, metrics.ResultInvalid)
		}
		return nil, err
	}
	return l.await(ctx, e)
}

// Add queues an entry signed elsewhere, typically received from a peer,
// and blocks until it is durable. Strict policies require it to extend the
// feed; re-adding an entry that is already stored or queued is a no-op that
// returns the stored envelope once it is durable. Under a relay policy an
// entry whose feed position already holds a different key is rejected with
// an out-of-order error before it reaches the queue.
func (l *Log) Add(ctx context.Context, v envelope.Value) (*envelope.Envelope, error) {
	env, err := envelope.New(v)
	if err != nil {
		metrics.RecordAppend(kindAdd, metrics.ResultInvalid)
		return nil, &validate.ValidationError{
			Code:     validate.ErrCodeInvalidShape,
			Message:  err.Error(),
			Author:   v.Author,
			Sequence: v.Sequence,
			Err:      err,
		}
	}
	if err := l.validators.Wait(ctx); err != nil {
		return nil, err
	}
	if err := l.policy.Check(env, nil); err != nil {
		metrics.RecordAppend(kindAdd, metrics.ResultInvalid)
		return nil, err
	}

	for {
		stored, gen, err := l.storedAt(ctx, env)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			if stored.Key == env.Key {
				metrics.RecordAppend(kindAdd, metrics.ResultOK)
				return stored, nil
			}
			metrics.RecordAppend(kindAdd, metrics.ResultInvalid)
			return nil, forkError(env, stored.Key)
		}

		var queued *entry
		e, err := l.enqueue(ctx, kindAdd, v.Author, func(state envelope.FeedState) (*envelope.Envelope, error) {
			if p, ok := l.pending[env.Key]; ok {
				queued = p
				return nil, errQueued
			}
			if l.policy.Mode() == validate.ModeRelay {
				if l.written != gen {
					return nil, errStale
				}
				if p, ok := l.slots[slotOf(env)]; ok {
					return nil, forkError(env, p.env.Key)
				}
			}
			if err := l.policy.CheckSequence(state, env); err != nil {
				return nil, err
			}
			return env, nil
		})
		switch {
		case errors.Is(err, errStale):
			continue
		case errors.Is(err, errQueued):
			return l.await(ctx, queued)
		}
		if validate.IsOrderError(err) {
			if stored, gerr := l.store.Get(ctx, env.Key); gerr == nil {
				metrics.RecordAppend(kindAdd, metrics.ResultOK)
				return stored, nil
			}
		}
		if err != nil {
			if validate.IsValidationError(err) {
				metrics.RecordAppend(kindAdd, metrics.ResultInvalid)
			}
			return nil, err
		}
		return l.await(ctx, e)
	}
}

// storedAt returns the stored envelope at env's feed position under a relay
// policy, or nil. gen is the batch count observed before the lookup; a
// batch completing after it may have filled the position.
func (l *Log) storedAt(ctx context.Context, env *envelope.Envelope) (stored *envelope.Envelope, gen uint64, err error) {
	l.mu.Lock()
	gen = l.written
	l.mu.Unlock()
	if l.policy.Mode() != validate.ModeRelay {
		return nil, gen, nil
	}

	v := env.Value
	envs, err := l.store.Range(ctx, store.RangeQuery{Author: v.Author, Since: v.Sequence - 1, Limit: 1})
	if err != nil {
		return nil, gen, fmt.Errorf("feedlog: lookup %s/%d: %w", v.Author, v.Sequence, err)
	}
	if len(envs) == 1 && envs[0].Value.Sequence == v.Sequence {
		return envs[0], gen, nil
	}
	return nil, gen, nil
}

func forkError(env *envelope.Envelope, taken envelope.MsgKey) error {
	return &validate.ValidationError{
		Code:     validate.ErrCodeOutOfOrder,
		Message:  fmt.Sprintf("sequence %d is already held by %s", env.Value.Sequence, taken),
		Author:   env.Value.Author,
		Sequence: env.Value.Sequence,
	}
}

// enqueue builds an envelope from the current state of author and queues
// it, all under the Log mutex. The feed state advances immediately.
func (l *Log) enqueue(
	ctx context.Context,
	kind string,
	author envelope.FeedID,
	build func(envelope.FeedState) (*envelope.Envelope, error),
) (*entry, error) {
	for {
		if err := l.loadFeed(ctx, author); err != nil {
			return nil, err
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		state, ok := l.feeds[author]
		if !ok {
			// Dropped by a failed write since loadFeed; reload.
			l.mu.Unlock()
			continue
		}

		env, err := build(state)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		if env == nil || env.Key == "" {
			l.mu.Unlock()
			return nil, &QueueError{Op: kind, Message: "envelope has no key"}
		}

		e := &entry{env: env, kind: kind, done: make(chan struct{})}
		l.queue = append(l.queue, e)
		l.pending[env.Key] = e
		if _, ok := l.slots[slotOf(env)]; !ok {
			l.slots[slotOf(env)] = e
		}
		if env.Value.Sequence > state.Sequence {
			l.feeds[author] = envelope.StateOf(env)
		}
		metrics.QueueDepth.Set(float64(len(l.queue)))
		l.startLocked()
		l.mu.Unlock()

		slog.Debug("envelope queued",
			"kind", kind,
			"author", author,
			"sequence", env.Value.Sequence,
			"key", env.Key,
		)
		return e, nil
	}
}

// loadFeed fills the feed-state table for author from the store the first
// time the feed is touched.
func (l *Log) loadFeed(ctx context.Context, author envelope.FeedID) error {
	l.mu.Lock()
	_, ok := l.feeds[author]
	l.mu.Unlock()
	if ok {
		return nil
	}

	state := envelope.FeedState{ID: author}
	last, err := l.store.Last(ctx, author)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("feedlog: load feed %s: %w", author, err)
	default:
		state = envelope.StateOf(last)
	}

	l.mu.Lock()
	if _, ok := l.feeds[author]; !ok {
		l.feeds[author] = state
	}
	l.mu.Unlock()
	return nil
}

func (l *Log) await(ctx context.Context, e *entry) (*envelope.Envelope, error) {
	select {
	case <-e.done:
		if e.err != nil {
			return nil, e.err
		}
		return e.env, nil
	case <-ctx.Done():
		metrics.RecordAppend(e.kind, metrics.ResultCanceled)
		return nil, fmt.Errorf("%w: %w", ErrNotDurable, ctx.Err())
	}
}

// startLocked starts the write cycle unless one is running.
func (l *Log) startLocked() {
	if l.running {
		return
	}
	l.running = true
	go l.writeCycle()
}

// writeCycle drains the queue batch by batch. Entries queued while a batch
// is being written form the next batch. Once the queue is empty the running
// guard is cleared and the flush callbacks run.
func (l *Log) writeCycle() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			flushes := l.flushes
			l.flushes = nil
			l.mu.Unlock()

			for _, fn := range flushes {
				fn()
			}
			return
		}
		batch := l.queue
		l.queue = nil
		metrics.QueueDepth.Set(0)
		l.mu.Unlock()

		l.persist(batch)
	}
}

func (l *Log) persist(batch []*entry) {
	envs := make([]*envelope.Envelope, len(batch))
	for i, e := range batch {
		envs[i] = e.env
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	start := time.Now()
	inserted, err := l.store.AppendBatch(ctx, envs)
	cancel()
	metrics.RecordWriteCycle(len(batch), time.Since(start), err)

	if err != nil {
		l.failBatch(batch, err)
		return
	}

	slog.Debug("batch written",
		"batch", len(batch),
		"inserted", inserted,
		"duration", time.Since(start),
	)
	l.settle(batch)
	for _, e := range batch {
		l.posts.Set(e.env.Original())
		metrics.RecordAppend(e.kind, metrics.ResultOK)
		e.finish(nil)
	}
}

// settle drops entries from the pending indexes and counts the batch.
func (l *Log) settle(entries []*entry) {
	l.mu.Lock()
	l.settleLocked(entries)
	l.mu.Unlock()
}

func (l *Log) settleLocked(entries []*entry) {
	for _, e := range entries {
		if l.pending[e.env.Key] == e {
			delete(l.pending, e.env.Key)
		}
		if l.slots[slotOf(e.env)] == e {
			delete(l.slots, slotOf(e.env))
		}
	}
	l.written++
}

// failBatch completes the batch and every queued entry of the same authors
// with err, and forgets those feeds so the next append reloads them.
func (l *Log) failBatch(batch []*entry, err error) {
	if !store.IsStoreError(err) {
		err = &store.StoreError{Op: "append", Err: err}
	}

	authors := make(map[envelope.FeedID]struct{})
	for _, e := range batch {
		authors[e.env.Value.Author] = struct{}{}
	}

	l.mu.Lock()
	var orphans []*entry
	kept := l.queue[:0]
	for _, e := range l.queue {
		if _, ok := authors[e.env.Value.Author]; ok {
			orphans = append(orphans, e)
			continue
		}
		kept = append(kept, e)
	}
	l.queue = kept
	for author := range authors {
		delete(l.feeds, author)
	}
	l.settleLocked(batch)
	l.settleLocked(orphans)
	metrics.QueueDepth.Set(float64(len(l.queue)))
	l.mu.Unlock()

	slog.Error("batch write failed",
		"batch", len(batch),
		"orphaned", len(orphans),
		"feeds", len(authors),
		"error", err,
	)

	for _, e := range append(batch, orphans...) {
		metrics.RecordAppend(e.kind, metrics.ResultStoreError)
		e.finish(err)
	}
	l.failures.Set(err)
	if l.onError != nil {
		l.onError(err)
	}
}

// Flush calls done once every queued entry has been written. When the
// queue is empty and no write cycle is running, done runs before Flush
// returns, on the caller's goroutine.
func (l *Log) Flush(done func()) {
	if done == nil {
		return
	}
	l.mu.Lock()
	if !l.running && len(l.queue) == 0 {
		l.mu.Unlock()
		done()
		return
	}
	l.flushes = append(l.flushes, done)
	l.mu.Unlock()
}

// FlushContext blocks until Flush fires or ctx ends.
func (l *Log) FlushContext(ctx context.Context) error {
	ch := make(chan struct{})
	l.Flush(func() { close(ch) })
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
