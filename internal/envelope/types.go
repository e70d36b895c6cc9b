package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// HashSHA256 is the only hash-algorithm tag this package produces.
const HashSHA256 = "sha256"

// Value is the signed body of an envelope.
type Value struct {
	Previous  *MsgKey `json:"previous"`
	Sequence  int64   `json:"sequence"`
	Author    FeedID  `json:"author"`
	Timestamp int64   `json:"timestamp"`
	Hash      string  `json:"hash"`
	Content   any     `json:"content"`
	Signature string  `json:"signature"`
}

// Meta holds read-side annotations that are never signed or stored.
type Meta struct {
	// Private is set when the content was unboxed.
	Private bool
	// Original is the content as stored, before unboxing replaced it.
	Original any
}

// Envelope is one immutable entry of a feed.
type Envelope struct {
	Key   MsgKey `json:"key"`
	Value Value  `json:"value"`
	Meta  *Meta  `json:"-"`
}

// FeedState is the append position of a feed. A zero FeedState describes a
// feed with no entries.
type FeedState struct {
	ID       FeedID `json:"id"`
	Sequence int64  `json:"sequence"`
	LastKey  MsgKey `json:"last_key,omitempty"`
}

// StateOf returns the feed state after env has been appended.
func StateOf(env *Envelope) FeedState {
	return FeedState{ID: env.Value.Author, Sequence: env.Value.Sequence, LastKey: env.Key}
}

// Original returns a copy of e as it was signed and stored: read-side
// annotations are dropped and unboxed content is swapped back.
func (e *Envelope) Original() *Envelope {
	out := &Envelope{Key: e.Key, Value: e.Value}
	if e.Meta != nil && e.Meta.Original != nil {
		out.Value.Content = e.Meta.Original
	}
	return out
}

// canonicalMap renders v as a generic object for MarshalCanonical.
func (v Value) canonicalMap(withSignature bool) map[string]any {
	m := map[string]any{
		"previous":  nil,
		"sequence":  v.Sequence,
		"author":    string(v.Author),
		"timestamp": v.Timestamp,
		"hash":      v.Hash,
		"content":   v.Content,
	}
	if v.Previous != nil {
		m["previous"] = string(*v.Previous)
	}
	if withSignature {
		m["signature"] = v.Signature
	}
	return m
}

// Encode returns the canonical JSON of the full value (signature included).
func (v Value) Encode() ([]byte, error) {
	return MarshalCanonical(v.canonicalMap(true))
}

// DecodeValue parses a JSON value, keeping numbers as json.Number.
func DecodeValue(data []byte) (Value, error) {
	var v Value
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// Decode parses a stored value and derives its key.
func Decode(data []byte) (*Envelope, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	return New(v)
}

// New wraps an already signed value, computing its key.
func New(v Value) (*Envelope, error) {
	key, err := KeyOf(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Key: key, Value: v}, nil
}
