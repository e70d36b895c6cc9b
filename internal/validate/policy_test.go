package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

const ts = 1680885935203

func post(text string) map[string]any {
	return map[string]any{"type": "post", "text": text}
}

func newKeys(t *testing.T) *keys.Keys {
	t.Helper()
	k, err := keys.Generate()
	require.NoError(t, err)
	return k
}

func newValidator(t *testing.T, mode Mode, hmacKey []byte) *Validator {
	t.Helper()
	v, err := New(mode, hmacKey)
	require.NoError(t, err)
	return v
}

func TestNext_FirstAndSecond(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	k := newKeys(t)

	first, err := v.Next(envelope.FeedState{}, k, nil, post("hi"), ts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Value.Sequence)
	assert.Nil(t, first.Value.Previous)
	assert.Equal(t, k.ID, first.Value.Author)
	assert.Equal(t, envelope.HashSHA256, first.Value.Hash)
	require.NoError(t, v.Check(first, nil))
	require.NoError(t, v.CheckSequence(envelope.FeedState{}, first))

	state := envelope.StateOf(first)
	second, err := v.Next(state, k, nil, post("again"), ts+1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Value.Sequence)
	require.NotNil(t, second.Value.Previous)
	assert.Equal(t, first.Key, *second.Value.Previous)
	require.NoError(t, v.Check(second, nil))
	require.NoError(t, v.CheckSequence(state, second))
}

func TestNext_RejectsBadContent(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	k := newKeys(t)

	tests := []struct {
		name    string
		content any
	}{
		{"missing type", map[string]any{"text": "hi"}},
		{"short type", map[string]any{"type": "xy"}},
		{"long type", map[string]any{"type": strings.Repeat("t", 53)}},
		{"plain string", "not boxed"},
		{"number", 42},
		{"oversized", map[string]any{"type": "post", "text": strings.Repeat("a", MaxEncodedSize)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Next(envelope.FeedState{}, k, nil, tt.content, ts)
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidShape, CodeOf(err))
		})
	}
}

func TestNext_AcceptsBoxedContent(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	env, err := v.Next(envelope.FeedState{}, newKeys(t), nil, "c2VjcmV0.box", ts)
	require.NoError(t, err)
	require.NoError(t, v.Check(env, nil))
}

func TestNext_RejectsForeignState(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	a, b := newKeys(t), newKeys(t)

	first, err := v.Next(envelope.FeedState{}, a, nil, post("hi"), ts)
	require.NoError(t, err)

	_, err = v.Next(envelope.StateOf(first), b, nil, post("hi"), ts)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidAuthor, CodeOf(err))
}

func TestNext_RejectsMissingKeys(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	_, err := v.Next(envelope.FeedState{}, nil, nil, post("hi"), ts)
	assert.Equal(t, ErrCodeInvalidAuthor, CodeOf(err))

	_, err = v.Next(envelope.FeedState{}, &keys.Keys{ID: "bob"}, nil, post("hi"), ts)
	assert.Equal(t, ErrCodeInvalidAuthor, CodeOf(err))
}

func TestCheck_TamperedContent(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	env, err := v.Next(envelope.FeedState{}, newKeys(t), nil, post("hi"), ts)
	require.NoError(t, err)

	env.Value.Content = post("changed")
	err = v.Check(env, nil)
	require.Error(t, err)
	assert.True(t, IsSignatureError(err))
	assert.Contains(t, err.Error(), "invalid signature")
	assert.ErrorIs(t, err, envelope.ErrInvalidSignature)
}

func TestCheck_CurveMismatch(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	env, err := v.Next(envelope.FeedState{}, newKeys(t), nil, post("hi"), ts)
	require.NoError(t, err)

	env.Value.Signature = strings.TrimSuffix(env.Value.Signature, "ed25519") + "k256"
	err = v.Check(env, nil)
	assert.Equal(t, ErrCodeCurveMismatch, CodeOf(err))
	assert.True(t, IsSignatureError(err))
}

func TestCheck_InvalidAuthor(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	env, err := v.Next(envelope.FeedState{}, newKeys(t), nil, post("hi"), ts)
	require.NoError(t, err)

	env.Value.Author = "@nope.ed25519"
	assert.Equal(t, ErrCodeInvalidAuthor, CodeOf(v.Check(env, nil)))
}

func TestCheck_ExtraFieldRejected(t *testing.T) {
	v := newValidator(t, ModeStrict, nil)
	env, err := v.Next(envelope.FeedState{}, newKeys(t), nil, post("hi"), ts)
	require.NoError(t, err)

	env.Value.Hash = "sha512"
	assert.Equal(t, ErrCodeInvalidShape, CodeOf(v.Check(env, nil)))
}

func TestHMACKey(t *testing.T) {
	network := []byte("network-one")
	v := newValidator(t, ModeStrict, network)
	k := newKeys(t)

	env, err := v.Next(envelope.FeedState{}, k, nil, post("hi"), ts)
	require.NoError(t, err)
	require.NoError(t, v.Check(env, nil))

	other := newValidator(t, ModeStrict, []byte("network-two"))
	assert.True(t, IsSignatureError(other.Check(env, nil)))

	scoped, err := v.Next(envelope.FeedState{}, k, []byte("per-call"), post("hi"), ts)
	require.NoError(t, err)
	assert.True(t, IsSignatureError(v.Check(scoped, nil)))
	assert.NoError(t, v.Check(scoped, []byte("per-call")))
}

func TestCheckSequence(t *testing.T) {
	strict := newValidator(t, ModeStrict, nil)
	relay := newValidator(t, ModeRelay, nil)
	k := newKeys(t)

	first, err := strict.Next(envelope.FeedState{}, k, nil, post("1"), ts)
	require.NoError(t, err)
	second, err := strict.Next(envelope.StateOf(first), k, nil, post("2"), ts+1)
	require.NoError(t, err)
	third, err := strict.Next(envelope.StateOf(second), k, nil, post("3"), ts+2)
	require.NoError(t, err)

	t.Run("gap", func(t *testing.T) {
		err := strict.CheckSequence(envelope.StateOf(first), third)
		assert.Equal(t, ErrCodeOutOfOrder, CodeOf(err))
		assert.True(t, IsOrderError(err))
		assert.NoError(t, relay.CheckSequence(envelope.StateOf(first), third))
	})

	t.Run("replay of head", func(t *testing.T) {
		err := strict.CheckSequence(envelope.StateOf(second), second)
		assert.Equal(t, ErrCodeOutOfOrder, CodeOf(err))
	})

	t.Run("wrong previous", func(t *testing.T) {
		forked := envelope.FeedState{ID: k.ID, Sequence: 2, LastKey: first.Key}
		err := strict.CheckSequence(forked, third)
		assert.Equal(t, ErrCodeInvalidPrevious, CodeOf(err))
		assert.NoError(t, relay.CheckSequence(forked, third))
	})

	t.Run("relay accepts mid-feed start", func(t *testing.T) {
		require.NoError(t, relay.Check(third, nil))
		assert.NoError(t, relay.CheckSequence(envelope.FeedState{}, third))
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("relay")
	require.NoError(t, err)
	assert.Equal(t, ModeRelay, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)
	assert.Equal(t, "strict", m.String())

	_, err = ParseMode("lenient")
	assert.Error(t, err)
}

func TestValidationError_Format(t *testing.T) {
	err := &ValidationError{Code: ErrCodeOutOfOrder, Message: "expected 2", Author: "@a.ed25519", Sequence: 3}
	assert.Equal(t, "OUT_OF_ORDER: expected 2 (author=@a.ed25519, sequence=3)", err.Error())
	assert.True(t, IsValidationError(err))
	assert.False(t, IsValidationError(assert.AnError))
}
