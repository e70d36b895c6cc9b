package store

import (
	"database/sql"
	"fmt"

	"github.com/roach88/feedlog/internal/envelope"
)

// row is the column form of one stored envelope.
type row struct {
	key       string
	author    string
	sequence  int64
	timestamp int64
	value     string
}

// marshalEnvelope converts an envelope to its row. The value column holds
// the canonical JSON of the signed value.
func marshalEnvelope(env *envelope.Envelope) (row, error) {
	if env == nil {
		return row{}, fmt.Errorf("marshal envelope: nil envelope")
	}
	data, err := env.Value.Encode()
	if err != nil {
		return row{}, fmt.Errorf("marshal envelope %s: %w", env.Key, err)
	}
	return row{
		key:       string(env.Key),
		author:    string(env.Value.Author),
		sequence:  env.Value.Sequence,
		timestamp: env.Value.Timestamp,
		value:     string(data),
	}, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEnvelope reads a (key, value) pair.
func scanEnvelope(sc scanner) (*envelope.Envelope, error) {
	var key, value string
	if err := sc.Scan(&key, &value); err != nil {
		return nil, err
	}
	return unmarshalEnvelope(key, []byte(value))
}

// unmarshalEnvelope rebuilds an envelope from its stored key and value.
func unmarshalEnvelope(key string, value []byte) (*envelope.Envelope, error) {
	v, err := envelope.DecodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s: %w", key, err)
	}
	return &envelope.Envelope{Key: envelope.MsgKey(key), Value: v}, nil
}

// collect drains rows into envelopes. Returns an empty slice (not nil) if
// there are no rows.
func collect(rows *sql.Rows) ([]*envelope.Envelope, error) {
	defer rows.Close()

	out := []*envelope.Envelope{}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}
