package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

// ChainStart is the timestamp of the first entry produced by SignChain.
const ChainStart int64 = 1_700_000_000_000

// Post returns {type: "post", text: text}.
func Post(text string) map[string]any {
	return map[string]any{"type": "post", "text": text}
}

// SignChain signs n chained post values for k, as another peer would have
// published them. Entry i has sequence i and timestamp ChainStart+i.
func SignChain(tb testing.TB, k *keys.Keys, n int, hmacKey []byte) []envelope.Value {
	tb.Helper()
	priv, err := k.PrivateKey()
	require.NoError(tb, err)

	out := make([]envelope.Value, 0, n)
	var prev *envelope.MsgKey
	for i := 1; i <= n; i++ {
		v := envelope.Value{
			Previous:  prev,
			Sequence:  int64(i),
			Author:    k.ID,
			Timestamp: ChainStart + int64(i),
			Hash:      envelope.HashSHA256,
			Content:   Post(fmt.Sprintf("remote %d", i)),
		}
		require.NoError(tb, envelope.Sign(&v, priv, hmacKey))
		key, err := envelope.KeyOf(v)
		require.NoError(tb, err)
		prev = &key
		out = append(out, v)
	}
	return out
}

// NDJSON renders values one JSON document per line.
func NDJSON(tb testing.TB, values []envelope.Value) []byte {
	tb.Helper()
	var buf bytes.Buffer
	for _, v := range values {
		line, err := json.Marshal(v)
		require.NoError(tb, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
