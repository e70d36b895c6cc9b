package feedlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
	"github.com/roach88/feedlog/internal/store"
	"github.com/roach88/feedlog/internal/testutil"
	"github.com/roach88/feedlog/internal/validate"
)

// hookStore lets tests intercept batch writes.
type hookStore struct {
	*store.Store
	appendHook func(ctx context.Context, envs []*envelope.Envelope) error
}

func (h *hookStore) AppendBatch(ctx context.Context, envs []*envelope.Envelope) (int, error) {
	if h.appendHook != nil {
		if err := h.appendHook(ctx, envs); err != nil {
			return 0, err
		}
	}
	return h.Store.AppendBatch(ctx, envs)
}

// tamperPolicy signs correctly, then swaps the content so the signature no
// longer covers it.
type tamperPolicy struct {
	*validate.Validator
}

func (p tamperPolicy) Next(state envelope.FeedState, k *keys.Keys, hmacKey []byte, content any, ts int64) (*envelope.Envelope, error) {
	env, err := p.Validator.Next(state, k, hmacKey, content, ts)
	if err != nil {
		return nil, err
	}
	v := env.Value
	v.Content = map[string]any{"type": "post", "text": "tampered"}
	return envelope.New(v)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feedlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLog(t *testing.T, s Store, opts ...Option) *Log {
	t.Helper()
	l, err := New(s, opts...)
	require.NoError(t, err)
	return l
}

func newTestKeys(t *testing.T) *keys.Keys {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)
	return k
}

func newValidator(t *testing.T, mode validate.Mode) *validate.Validator {
	t.Helper()
	v, err := validate.New(mode, nil)
	require.NoError(t, err)
	return v
}

func post(text string) map[string]any {
	return testutil.Post(text)
}
