package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestKeys generates a fresh signing identity.
func createTestKeys(t *testing.T) *keys.Keys {
	t.Helper()
	k, err := keys.Generate()
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	return k
}

// createTestFeed signs n chained envelopes whose content comes from
// content(sequence).
func createTestFeed(t *testing.T, k *keys.Keys, n int, content func(i int) any) []*envelope.Envelope {
	t.Helper()
	envs := make([]*envelope.Envelope, 0, n)
	var prev *envelope.Envelope
	for i := 1; i <= n; i++ {
		prev = nextTestEnvelope(t, k, prev, content(i))
		envs = append(envs, prev)
	}
	return envs
}

// nextTestEnvelope signs the entry that follows prev (nil for the first).
func nextTestEnvelope(t *testing.T, k *keys.Keys, prev *envelope.Envelope, content any) *envelope.Envelope {
	t.Helper()
	priv, err := k.PrivateKey()
	if err != nil {
		t.Fatalf("PrivateKey() failed: %v", err)
	}

	v := envelope.Value{
		Sequence: 1,
		Author:   k.ID,
		Hash:     envelope.HashSHA256,
		Content:  content,
	}
	if prev != nil {
		key := prev.Key
		v.Previous = &key
		v.Sequence = prev.Value.Sequence + 1
	}
	v.Timestamp = 1_700_000_000_000 + v.Sequence
	if err := envelope.Sign(&v, priv, nil); err != nil {
		t.Fatalf("Sign() failed: %v", err)
	}
	env, err := envelope.New(v)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return env
}

func postContent(i int) any {
	return map[string]any{"type": "post", "n": i}
}

// appendTestFeed stores envs and fails the test on error.
func appendTestFeed(t *testing.T, s *Store, envs []*envelope.Envelope) {
	t.Helper()
	if _, err := s.AppendBatch(t.Context(), envs); err != nil {
		t.Fatalf("AppendBatch() failed: %v", err)
	}
}
