// Package envelope defines the signed, sequenced log entries stored by feedlog.
//
// An Envelope pairs a content-addressed Key with an immutable Value. Values are
// chained per author: Sequence starts at 1 and Previous holds the key of the
// entry at Sequence-1 (nil for the first entry).
//
// Identity and signatures are computed over canonical JSON:
//   - object keys sorted by UTF-16 code units
//   - no HTML escaping, strings NFC normalized
//   - integers only; non-integral numbers are rejected
//
// Keys are SHA-256 over the canonical value (signature included) with domain
// separation, rendered as "%<base64>.sha256". Feed identifiers are ed25519
// public keys rendered as "@<base64>.ed25519".
package envelope
