package feedlog

import (
	"context"
	"errors"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

// Feed is a handle for publishing to one feed with fixed keys.
type Feed struct {
	log  *Log
	keys *keys.Keys
}

// CreateFeed returns a handle that publishes with k.
func (l *Log) CreateFeed(k *keys.Keys) (*Feed, error) {
	if k == nil {
		return nil, errors.New("feedlog: CreateFeed requires keys")
	}
	return &Feed{log: l, keys: k}, nil
}

// ID returns the feed id.
func (f *Feed) ID() envelope.FeedID {
	return f.keys.ID
}

// Keys returns the signing keys of the feed.
func (f *Feed) Keys() *keys.Keys {
	return f.keys
}

// Publish appends content to the feed. See Log.Append.
func (f *Feed) Publish(ctx context.Context, content any) (*envelope.Envelope, error) {
	return f.log.Append(ctx, AppendRequest{Keys: f.keys, Content: content})
}

// State returns the feed's append position.
func (f *Feed) State(ctx context.Context) (envelope.FeedState, error) {
	return f.log.GetFeedState(ctx, f.keys.ID)
}
