// Package history serves ordered, resumable replay of one feed.
//
// A Stream leases one store connection, opens a push-based cursor on it
// and exposes a pull interface (Next). Rows the cursor pushes are buffered
// and paired one-to-one with outstanding Next calls in arrival order.
// Whenever a row is left buffered the cursor is paused; it resumes only
// once demand has drained the buffer, so at most a handful of rows are
// held in memory.
//
// The lease is released exactly once, when the cursor ends, fails or is
// closed after Abort. Done is closed after the release.
package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/metrics"
	"github.com/roach88/feedlog/internal/store"
)

// ErrAborted is the terminal condition of an aborted stream. Errors passed
// to Abort are wrapped so errors.Is matches both.
var ErrAborted = errors.New("history: stream aborted")

// StreamError is the terminal condition of a stream whose cursor failed.
type StreamError struct {
	ID  envelope.FeedID
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("history %s: %v", e.ID, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

type result struct {
	env *envelope.Envelope
	err error
}

// Stream is a lazy, finite sequence of envelopes in ascending sequence
// order. It is safe for concurrent use.
type Stream struct {
	id     string
	opts   normalized
	lease  *store.Lease
	cursor store.Cursor
	stop   func() bool

	mu      sync.Mutex
	buffer  []*envelope.Envelope
	demands []chan result
	ended   error // io.EOF on clean end
	paused  bool
	aborted error
	settled bool

	done chan struct{}
}

// Open leases a connection from l and starts streaming the range chosen by
// opts. Cancelling ctx aborts the stream.
func Open(ctx context.Context, l store.Leaser, opts Options) (*Stream, error) {
	n, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	lease, err := l.Lease(ctx)
	if err != nil {
		return nil, fmt.Errorf("history: lease connection: %w", err)
	}

	s := &Stream{
		id:    uuid.Must(uuid.NewV7()).String(),
		opts:  n,
		lease: lease,
		done:  make(chan struct{}),
	}
	s.cursor = lease.OpenCursor(context.WithoutCancel(ctx), store.RangeQuery{
		Author: n.id,
		Since:  n.since,
		Limit:  n.limit,
	})
	s.stop = context.AfterFunc(ctx, func() { s.Abort(ctx.Err()) })

	metrics.TrackStream(true)
	slog.Debug("history stream opened",
		"stream", s.id,
		"feed", n.id,
		"since", n.since,
		"limit", n.limit,
	)

	s.cursor.Start(store.CursorHandler{
		OnData:  s.onData,
		OnEnd:   s.onEnd,
		OnError: s.onError,
		OnClose: s.onClose,
	})
	return s, nil
}

// ID returns the stream's identifier, used in logs.
func (s *Stream) ID() string {
	return s.id
}

// Next blocks until the next item is available and returns it. After the
// last item Next returns io.EOF; after a failure or Abort it returns the
// terminal error. If ctx ends first, Next returns ctx.Err() and the stream
// stays usable.
func (s *Stream) Next(ctx context.Context) (envelope.Item, error) {
	ch := make(chan result, 1)

	s.mu.Lock()
	if s.aborted != nil {
		err := s.aborted
		s.mu.Unlock()
		return envelope.Item{}, err
	}
	s.demands = append(s.demands, ch)
	s.drainLocked()
	s.mu.Unlock()

	select {
	case r := <-ch:
		return s.deliver(r)
	case <-ctx.Done():
	}

	s.mu.Lock()
	if i := slices.Index(s.demands, ch); i >= 0 {
		s.demands = slices.Delete(s.demands, i, i+1)
		s.mu.Unlock()
		return envelope.Item{}, ctx.Err()
	}
	s.mu.Unlock()
	// The demand was served while ctx ended.
	return s.deliver(<-ch)
}

func (s *Stream) deliver(r result) (envelope.Item, error) {
	if r.err != nil {
		return envelope.Item{}, r.err
	}
	metrics.StreamItems.Inc()
	return envelope.Format(r.env, s.opts.keys, s.opts.values), nil
}

// All returns an iterator over the remaining items. The sequence stops
// after io.EOF; any other terminal error is yielded once. Breaking out of
// the loop aborts the stream.
func (s *Stream) All() iter.Seq2[envelope.Item, error] {
	return func(yield func(envelope.Item, error) bool) {
		for {
			item, err := s.Next(context.Background())
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(envelope.Item{}, err)
				return
			}
			if !yield(item, nil) {
				s.Abort(nil)
				return
			}
		}
	}
}

// Abort stops the stream. Pending and future Next calls return the abort
// condition and no further rows are delivered. The lease is released once
// the cursor has stopped, immediately if it already had. A nil err aborts
// with ErrAborted. Only the first call has any effect.
func (s *Stream) Abort(err error) {
	switch {
	case err == nil:
		err = ErrAborted
	case !errors.Is(err, ErrAborted):
		err = fmt.Errorf("%w: %w", ErrAborted, err)
	}

	s.mu.Lock()
	// A drained stream keeps its terminal condition.
	if s.aborted != nil || (s.ended != nil && len(s.buffer) == 0) {
		s.mu.Unlock()
		return
	}
	s.aborted = err
	for _, ch := range s.demands {
		ch <- result{err: err}
	}
	s.demands = nil
	s.buffer = nil
	alreadyEnded := s.ended != nil
	if !alreadyEnded {
		s.ended = err
	}
	s.mu.Unlock()

	slog.Debug("history stream aborted", "stream", s.id, "feed", s.opts.id, "reason", err)
	if alreadyEnded {
		return
	}
	s.cursor.Close()
}

// Close aborts the stream and waits until its connection is released.
func (s *Stream) Close() error {
	s.Abort(nil)
	<-s.done
	return nil
}

// Done is closed once the stream has terminated and released its lease.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal condition: nil while running, io.EOF after a
// clean end, otherwise the failure or abort error.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return s.aborted
	}
	return s.ended
}

// drainLocked pairs buffered rows with pending demands in order. Once the
// source has ended, demands beyond the buffer receive the terminal
// condition. The cursor is resumed when the buffer empties.
func (s *Stream) drainLocked() {
	for len(s.demands) > 0 && (len(s.buffer) > 0 || s.ended != nil) {
		ch := s.demands[0]
		s.demands = s.demands[1:]
		if len(s.buffer) > 0 {
			env := s.buffer[0]
			s.buffer = s.buffer[1:]
			ch <- result{env: env}
			continue
		}
		ch <- result{err: s.ended}
	}
	if len(s.buffer) == 0 && s.paused {
		s.paused = false
		s.cursor.Resume()
	}
}

func (s *Stream) onData(env *envelope.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted != nil {
		return
	}
	s.buffer = append(s.buffer, env)
	s.drainLocked()
	if len(s.buffer) > 0 && !s.paused {
		s.paused = true
		s.cursor.Pause()
	}
}

func (s *Stream) onEnd() {
	s.mu.Lock()
	if s.ended == nil {
		s.ended = io.EOF
	}
	s.drainLocked()
	s.mu.Unlock()
	s.settle(metrics.ReasonEnd)
}

func (s *Stream) onError(err error) {
	s.mu.Lock()
	if s.ended == nil {
		s.ended = &StreamError{ID: s.opts.id, Err: err}
	}
	s.drainLocked()
	s.mu.Unlock()

	slog.Warn("history stream failed", "stream", s.id, "feed", s.opts.id, "error", err)
	s.settle(metrics.ReasonError)
}

// onClose only terminates the stream when neither OnEnd nor OnError came
// first, which happens when the cursor is closed by Abort.
func (s *Stream) onClose() {
	s.mu.Lock()
	if s.ended == nil {
		s.ended = ErrAborted
	}
	s.drainLocked()
	s.mu.Unlock()
	s.settle(metrics.ReasonAbort)
}

// settle releases the lease and closes done. Only the first call does
// anything.
func (s *Stream) settle(reason string) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	if s.aborted != nil {
		reason = metrics.ReasonAbort
	}
	s.mu.Unlock()

	s.stop()
	if err := s.lease.Release(); err != nil {
		slog.Error("history stream release failed", "stream", s.id, "error", err)
	}
	metrics.TrackStream(false)
	metrics.RecordStreamEnd(reason)
	slog.Debug("history stream closed", "stream", s.id, "feed", s.opts.id, "reason", reason)
	close(s.done)
}
