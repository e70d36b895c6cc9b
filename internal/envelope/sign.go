package envelope

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DomainMessage prefixes the hash input of message keys.
// The version suffix leaves room for an algorithm migration.
const DomainMessage = "feedlog/message/v1"

const sigSuffix = ".sig.ed25519"

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrCurveMismatch is returned when signature and author curves differ.
	ErrCurveMismatch = errors.New("signature type must match author type")
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// KeyOf computes the content-addressed key of a signed value.
func KeyOf(v Value) (MsgKey, error) {
	canonical, err := v.Encode()
	if err != nil {
		return "", fmt.Errorf("KeyOf: failed to marshal: %w", err)
	}
	sum := hashWithDomain(DomainMessage, canonical)
	return MsgKey(keyPrefix + base64.StdEncoding.EncodeToString(sum) + keySuffix), nil
}

// SigningPayload returns the bytes covered by the signature. When hmacKey is
// set the canonical value is first authenticated with HMAC-SHA256, which
// scopes signatures to one network.
func SigningPayload(v Value, hmacKey []byte) ([]byte, error) {
	canonical, err := MarshalCanonical(v.canonicalMap(false))
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	if len(hmacKey) == 0 {
		return canonical, nil
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// Sign fills v.Signature using priv.
func Sign(v *Value, priv ed25519.PrivateKey, hmacKey []byte) error {
	payload, err := SigningPayload(*v, hmacKey)
	if err != nil {
		return err
	}
	v.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)) + sigSuffix
	return nil
}

// SignatureMatchesCurve reports whether the signature suffix agrees with the
// author's curve.
func SignatureMatchesCurve(v Value) bool {
	i := strings.LastIndex(v.Signature, ".")
	if i < 0 {
		return false
	}
	return v.Signature[i+1:] == v.Author.Curve()
}

// Verify checks the signature of v against its author.
func Verify(v Value, hmacKey []byte) error {
	if !SignatureMatchesCurve(v) {
		return ErrCurveMismatch
	}
	pub, err := v.Author.PublicKey()
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(v.Signature, sigSuffix))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	payload, err := SigningPayload(v, hmacKey)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}
