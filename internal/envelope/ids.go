package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	feedPrefix = "@"
	feedSuffix = ".ed25519"
	keyPrefix  = "%"
	keySuffix  = ".sha256"
)

// FeedID identifies an author: "@<base64 ed25519 public key>.ed25519".
type FeedID string

// MsgKey is the content-addressed identifier of an envelope.
type MsgKey string

// FeedIDFromPublicKey renders an ed25519 public key as a FeedID.
func FeedIDFromPublicKey(pub ed25519.PublicKey) FeedID {
	return FeedID(feedPrefix + base64.StdEncoding.EncodeToString(pub) + feedSuffix)
}

// ParseFeedID validates s and returns it as a FeedID.
func ParseFeedID(s string) (FeedID, error) {
	if _, err := decodeRef(s, feedPrefix, feedSuffix, ed25519.PublicKeySize); err != nil {
		return "", fmt.Errorf("invalid feed id %q: %w", s, err)
	}
	return FeedID(s), nil
}

// IsFeedID reports whether s is a well-formed feed identifier.
func IsFeedID(s string) bool {
	_, err := ParseFeedID(s)
	return err == nil
}

// PublicKey decodes the ed25519 key embedded in the id.
func (id FeedID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := decodeRef(string(id), feedPrefix, feedSuffix, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("invalid feed id %q: %w", id, err)
	}
	return ed25519.PublicKey(raw), nil
}

// Curve returns the suffix-declared signature curve of the id ("ed25519"), or
// "" when the id carries no recognizable suffix.
func (id FeedID) Curve() string {
	s := string(id)
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return ""
	}
	return s[i+1:]
}

// ParseMsgKey validates s and returns it as a MsgKey.
func ParseMsgKey(s string) (MsgKey, error) {
	if _, err := decodeRef(s, keyPrefix, keySuffix, 32); err != nil {
		return "", fmt.Errorf("invalid message key %q: %w", s, err)
	}
	return MsgKey(s), nil
}

// IsMsgKey reports whether s is a well-formed message key.
func IsMsgKey(s string) bool {
	_, err := ParseMsgKey(s)
	return err == nil
}

func decodeRef(s, prefix, suffix string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return nil, fmt.Errorf("must look like %s<base64>%s", prefix, suffix)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, prefix), suffix)
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
