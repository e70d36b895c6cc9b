package history

import (
	"errors"
	"fmt"

	"github.com/roach88/feedlog/internal/envelope"
)

// DefaultLimit caps a stream when Options.Limit is not positive.
const DefaultLimit = 100

// ErrMissingID is returned by Open when Options.ID is empty.
var ErrMissingID = errors.New("history: id is required")

// Options selects the range of a history stream.
type Options struct {
	// ID is the feed to read. Required.
	ID envelope.FeedID `json:"id"`
	// Sequence is the exclusive lower bound.
	Sequence int64 `json:"sequence,omitempty"`
	// Seq is an alias of Sequence, used when Sequence is zero.
	Seq int64 `json:"seq,omitempty"`
	// Limit is the maximum number of items. Non-positive selects DefaultLimit.
	Limit int `json:"limit,omitempty"`
	// Keys includes the key in each item. Nil means true.
	Keys *bool `json:"keys,omitempty"`
	// Values includes the value in each item. Nil means true.
	Values *bool `json:"values,omitempty"`
}

// Bool returns a pointer to b, for Options.Keys and Options.Values.
func Bool(b bool) *bool {
	return &b
}

// normalized is Options with defaults applied.
type normalized struct {
	id     envelope.FeedID
	since  int64
	limit  int
	keys   bool
	values bool
}

func (o Options) normalize() (normalized, error) {
	if o.ID == "" {
		return normalized{}, ErrMissingID
	}
	if _, err := envelope.ParseFeedID(string(o.ID)); err != nil {
		return normalized{}, fmt.Errorf("history: %w", err)
	}
	n := normalized{
		id:     o.ID,
		since:  o.Sequence,
		limit:  o.Limit,
		keys:   o.Keys == nil || *o.Keys,
		values: o.Values == nil || *o.Values,
	}
	if n.since == 0 {
		n.since = o.Seq
	}
	if n.since < 0 {
		n.since = 0
	}
	if n.limit <= 0 {
		n.limit = DefaultLimit
	}
	return n, nil
}
