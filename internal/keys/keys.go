// Package keys manages the ed25519 credentials that sign feed entries.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/feedlog/internal/envelope"
)

// CurveEd25519 is the only supported curve.
const CurveEd25519 = "ed25519"

// Keys is a signing identity. The JSON form matches the secret file layout.
type Keys struct {
	Curve   string          `json:"curve"`
	Public  string          `json:"public"`
	Private string          `json:"private"`
	ID      envelope.FeedID `json:"id"`

	priv ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Keys, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return FromPrivateKey(priv), nil
}

// FromPrivateKey builds Keys from an existing ed25519 private key.
func FromPrivateKey(priv ed25519.PrivateKey) *Keys {
	pub := priv.Public().(ed25519.PublicKey)
	return &Keys{
		Curve:   CurveEd25519,
		Public:  base64.StdEncoding.EncodeToString(pub) + "." + CurveEd25519,
		Private: base64.StdEncoding.EncodeToString(priv) + "." + CurveEd25519,
		ID:      envelope.FeedIDFromPublicKey(pub),
		priv:    priv,
	}
}

// PrivateKey returns the decoded signing key.
func (k *Keys) PrivateKey() (ed25519.PrivateKey, error) {
	if k == nil {
		return nil, errors.New("keys: nil credentials")
	}
	if k.priv != nil {
		return k.priv, nil
	}
	if k.Curve != CurveEd25519 {
		return nil, fmt.Errorf("keys: unsupported curve %q", k.Curve)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(k.Private, "."+CurveEd25519))
	if err != nil {
		return nil, fmt.Errorf("keys: decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keys: private key has %d bytes", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	if envelope.FeedIDFromPublicKey(priv.Public().(ed25519.PublicKey)) != k.ID {
		return nil, errors.New("keys: id does not match private key")
	}
	k.priv = priv
	return priv, nil
}

// Load reads a secret file written by Save.
func Load(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", path, err)
	}
	var k Keys
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("parse secret %s: %w", path, err)
	}
	if _, err := k.PrivateKey(); err != nil {
		return nil, err
	}
	return &k, nil
}

// Save writes k to path with owner-only permissions. An existing file is
// never overwritten.
func Save(path string, k *Keys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secret dir: %w", err)
	}
	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create secret %s: %w", path, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write secret %s: %w", path, err)
	}
	return f.Close()
}

// LoadOrCreate loads the secret at path, generating and saving one when the
// file does not exist.
func LoadOrCreate(path string) (*Keys, error) {
	k, err := Load(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	k, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(path, k); err != nil {
		return nil, err
	}
	return k, nil
}
