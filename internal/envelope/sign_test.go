package envelope

import (
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedValue(t *testing.T, hmacKey []byte) (Value, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	v := Value{
		Sequence:  1,
		Author:    FeedIDFromPublicKey(pub),
		Timestamp: 1680885935203,
		Hash:      HashSHA256,
		Content:   map[string]any{"type": "post", "text": "hi"},
	}
	require.NoError(t, Sign(&v, priv, hmacKey))
	return v, priv
}

func TestSignAndVerify(t *testing.T) {
	v, _ := signedValue(t, nil)

	assert.True(t, strings.HasSuffix(v.Signature, ".sig.ed25519"))
	assert.NoError(t, Verify(v, nil))
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	v, _ := signedValue(t, nil)
	v.Content = map[string]any{"type": "post", "text": "cause invalid signature"}

	err := Verify(v, nil)
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, "invalid signature", err.Error())
}

func TestVerifyHMACScopesSignatures(t *testing.T) {
	key := []byte("network-a")
	v, _ := signedValue(t, key)

	assert.NoError(t, Verify(v, key))
	assert.ErrorIs(t, Verify(v, []byte("network-b")), ErrInvalidSignature)
	assert.ErrorIs(t, Verify(v, nil), ErrInvalidSignature)
}

func TestVerifyCurveMismatch(t *testing.T) {
	v, _ := signedValue(t, nil)
	v.Signature = strings.TrimSuffix(v.Signature, ".sig.ed25519") + ".sig.k256"

	assert.ErrorIs(t, Verify(v, nil), ErrCurveMismatch)
}

func TestKeyOfDeterminism(t *testing.T) {
	v, _ := signedValue(t, nil)

	k1, err := KeyOf(v)
	require.NoError(t, err)
	k2, err := KeyOf(v)
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "KeyOf must be deterministic")
	assert.True(t, IsMsgKey(string(k1)))
}

func TestKeyOfChangesWithSignature(t *testing.T) {
	v, priv := signedValue(t, nil)
	k1 := mustKey(t, v)

	require.NoError(t, Sign(&v, priv, []byte("other")))
	k2 := mustKey(t, v)

	assert.NotEqual(t, k1, k2)
}

func TestDecodeRoundTrip(t *testing.T) {
	v, _ := signedValue(t, nil)
	env, err := New(v)
	require.NoError(t, err)

	data, err := v.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Key, decoded.Key)
	assert.Nil(t, decoded.Value.Previous)
	assert.NoError(t, Verify(decoded.Value, nil))
}

func TestOriginalRestoresStoredContent(t *testing.T) {
	v, _ := signedValue(t, nil)
	env, err := New(v)
	require.NoError(t, err)

	unboxed := &Envelope{Key: env.Key, Value: env.Value}
	unboxed.Value.Content = map[string]any{"type": "secret"}
	unboxed.Meta = &Meta{Private: true, Original: v.Content}

	orig := unboxed.Original()
	assert.Nil(t, orig.Meta)
	assert.Equal(t, v.Content, orig.Value.Content)
	assert.Equal(t, map[string]any{"type": "secret"}, unboxed.Value.Content, "receiver must not be mutated")
}

func TestParseFeedID(t *testing.T) {
	_, err := ParseFeedID("@KCVI8M94yVsMkHyLoYiihNWUHwXGFXOsIzRjxXz6maI=.ed25519")
	assert.NoError(t, err)

	for _, bad := range []string{"", "KCVI8M94yVsMkHyLoYiihNWUHwXGFXOsIzRjxXz6maI=", "@abc.ed25519", "%KCVI8M94yVsMkHyLoYiihNWUHwXGFXOsIzRjxXz6maI=.sha256"} {
		assert.False(t, IsFeedID(bad), bad)
	}
}

func TestFormat(t *testing.T) {
	v, _ := signedValue(t, nil)
	env, err := New(v)
	require.NoError(t, err)

	both := Format(env, true, true)
	assert.Equal(t, env.Key, both.Key)
	require.NotNil(t, both.Value)

	keysOnly := Format(env, true, false)
	data, err := keysOnly.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"`+string(env.Key)+`"`, string(data))

	valuesOnly := Format(env, false, true)
	assert.Empty(t, valuesOnly.Key)
	assert.Equal(t, int64(1), valuesOnly.Value.Sequence)
}

func mustKey(t *testing.T, v Value) MsgKey {
	t.Helper()
	k, err := KeyOf(v)
	require.NoError(t, err)
	return k
}
