package feedlog

import (
	"context"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/history"
	"github.com/roach88/feedlog/internal/pipeline"
)

// Get returns the envelope stored under key, unboxed when an unboxer can
// open it. Returns store.ErrNotFound when absent.
func (l *Log) Get(ctx context.Context, key envelope.MsgKey) (*envelope.Envelope, error) {
	env, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return l.Unbox(ctx, env)
}

// Unbox runs the unboxer chain against env once every registered unboxer
// is ready.
func (l *Log) Unbox(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if err := l.unboxers.Wait(ctx); err != nil {
		return nil, err
	}
	return pipeline.Unbox(ctx, env, l.unboxerSnapshot())
}

// GetFeedState returns the append position of id, including entries that
// are queued but not yet durable. A feed with no entries has sequence 0.
func (l *Log) GetFeedState(ctx context.Context, id envelope.FeedID) (envelope.FeedState, error) {
	if err := l.validators.Wait(ctx); err != nil {
		return envelope.FeedState{}, err
	}
	if err := l.loadFeed(ctx, id); err != nil {
		return envelope.FeedState{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.feeds[id]
	if !ok {
		return envelope.FeedState{ID: id}, nil
	}
	return state, nil
}

// Last returns the latest durable envelope of id. Returns
// store.ErrNotFound for a feed with no entries.
func (l *Log) Last(ctx context.Context, id envelope.FeedID) (*envelope.Envelope, error) {
	return l.store.Last(ctx, id)
}

// About returns the about entry currently claiming name.
func (l *Log) About(ctx context.Context, name string) (*envelope.Envelope, error) {
	return l.store.About(ctx, name)
}

// IsFollowing reports whether source currently follows dest.
func (l *Log) IsFollowing(ctx context.Context, source, dest envelope.FeedID) (bool, error) {
	return l.store.IsFollowing(ctx, source, dest)
}

// OpenHistory opens a history stream over one feed. See history.Open.
func (l *Log) OpenHistory(ctx context.Context, opts history.Options) (*history.Stream, error) {
	return history.Open(ctx, l.store, opts)
}
