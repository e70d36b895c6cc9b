// Package validate decides which envelopes may enter a feed.
//
// A Policy is chosen at construction time. ModeStrict enforces the feed
// chain (sequence = head+1, previous = head key). ModeRelay accepts any
// well-formed, correctly signed envelope regardless of its position, which
// is what a relay storing partial feeds needs.
package validate

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/keys"
)

// MaxEncodedSize bounds the canonical encoding of a value.
const MaxEncodedSize = 8192

//go:embed schema.cue
var schemaSource string

// Mode selects the checks a policy applies.
type Mode int

const (
	// ModeStrict checks shape, signature, sequence and previous link.
	ModeStrict Mode = iota
	// ModeRelay checks author, curve, shape and signature only.
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModeRelay:
		return "relay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "strict" or "relay".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "relay":
		return ModeRelay, nil
	default:
		return 0, fmt.Errorf("unknown validation mode %q (want strict or relay)", s)
	}
}

// Policy is the capability set the append path needs from a validator.
type Policy interface {
	// Mode reports which checks the policy applies.
	Mode() Mode

	// Next synthesizes and signs the envelope that follows state. A nil
	// hmacKey selects the policy's network key.
	Next(state envelope.FeedState, k *keys.Keys, hmacKey []byte, content any, timestamp int64) (*envelope.Envelope, error)

	// Check verifies author, curve, shape and signature. A nil hmacKey
	// selects the policy's network key.
	Check(env *envelope.Envelope, hmacKey []byte) error

	// CheckSequence verifies that env may follow state.
	CheckSequence(state envelope.FeedState, env *envelope.Envelope) error
}

// Validator is the CUE-backed Policy implementation.
type Validator struct {
	mode    Mode
	hmacKey []byte

	// cue contexts are not safe for concurrent use.
	mu     sync.Mutex
	schema cue.Value
}

var _ Policy = (*Validator)(nil)

// New builds a validator for mode. hmacKey may be nil.
func New(mode Mode, hmacKey []byte) (*Validator, error) {
	if mode != ModeStrict && mode != ModeRelay {
		return nil, fmt.Errorf("validate: invalid mode %v", mode)
	}
	ctx := cuecontext.New()
	compiled := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := compiled.Err(); err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	def := compiled.LookupPath(cue.ParsePath("#Value"))
	if !def.Exists() {
		return nil, errors.New("validate: schema has no #Value definition")
	}
	return &Validator{
		mode:    mode,
		hmacKey: bytes.Clone(hmacKey),
		schema:  def,
	}, nil
}

// Mode implements Policy.
func (v *Validator) Mode() Mode {
	return v.mode
}

func (v *Validator) key(override []byte) []byte {
	if override != nil {
		return override
	}
	return v.hmacKey
}

// Next implements Policy.
func (v *Validator) Next(state envelope.FeedState, k *keys.Keys, hmacKey []byte, content any, timestamp int64) (*envelope.Envelope, error) {
	if k == nil {
		return nil, &ValidationError{Code: ErrCodeInvalidAuthor, Message: "missing signing keys"}
	}
	if !envelope.IsFeedID(string(k.ID)) {
		return nil, &ValidationError{Code: ErrCodeInvalidAuthor, Message: fmt.Sprintf("invalid author %q", k.ID)}
	}
	if state.Sequence > 0 && state.ID != "" && state.ID != k.ID {
		return nil, &ValidationError{
			Code:    ErrCodeInvalidAuthor,
			Message: fmt.Sprintf("feed state belongs to %s", state.ID),
			Author:  k.ID,
		}
	}
	priv, err := k.PrivateKey()
	if err != nil {
		return nil, &ValidationError{Code: ErrCodeInvalidAuthor, Message: err.Error(), Author: k.ID, Err: err}
	}

	val := envelope.Value{
		Sequence:  state.Sequence + 1,
		Author:    k.ID,
		Timestamp: timestamp,
		Hash:      envelope.HashSHA256,
		Content:   content,
	}
	if state.Sequence > 0 {
		prev := state.LastKey
		val.Previous = &prev
	}
	if err := v.checkShape(val, false); err != nil {
		return nil, err
	}
	if err := envelope.Sign(&val, priv, v.key(hmacKey)); err != nil {
		return nil, newError(ErrCodeInvalidShape, val, err.Error(), err)
	}
	env, err := envelope.New(val)
	if err != nil {
		return nil, newError(ErrCodeInvalidShape, val, err.Error(), err)
	}
	return env, nil
}

// Check implements Policy.
func (v *Validator) Check(env *envelope.Envelope, hmacKey []byte) error {
	if env == nil {
		return &ValidationError{Code: ErrCodeInvalidShape, Message: "missing envelope"}
	}
	val := env.Value
	if !envelope.IsFeedID(string(val.Author)) {
		return newError(ErrCodeInvalidAuthor, val, "invalid message: must have author", nil)
	}
	if !envelope.SignatureMatchesCurve(val) {
		return newError(ErrCodeCurveMismatch, val, "invalid message: signature type must match author type", envelope.ErrCurveMismatch)
	}
	if err := v.checkShape(val, true); err != nil {
		return err
	}
	if err := envelope.Verify(val, v.key(hmacKey)); err != nil {
		if errors.Is(err, envelope.ErrInvalidSignature) {
			return newError(ErrCodeInvalidSignature, val, "invalid signature", err)
		}
		return newError(ErrCodeInvalidSignature, val, err.Error(), err)
	}
	return nil
}

// CheckSequence implements Policy. Relay policies accept any position.
func (v *Validator) CheckSequence(state envelope.FeedState, env *envelope.Envelope) error {
	if v.mode == ModeRelay {
		return nil
	}
	val := env.Value
	if val.Sequence != state.Sequence+1 {
		return newError(ErrCodeOutOfOrder, val,
			fmt.Sprintf("expected sequence %d but got %d", state.Sequence+1, val.Sequence), nil)
	}
	switch {
	case state.Sequence == 0 && val.Previous != nil:
		return newError(ErrCodeInvalidPrevious, val, "first message must have previous null", nil)
	case state.Sequence > 0 && (val.Previous == nil || *val.Previous != state.LastKey):
		return newError(ErrCodeInvalidPrevious, val,
			fmt.Sprintf("expected previous %s", state.LastKey), nil)
	}
	return nil
}

// checkShape unifies the value with the #Value schema. Unsigned values are
// checked with a placeholder signature so the same schema serves both.
func (v *Validator) checkShape(val envelope.Value, signed bool) error {
	if !signed {
		val.Signature = "AA==.sig." + val.Author.Curve()
	}
	if (val.Sequence == 1) != (val.Previous == nil) {
		return newError(ErrCodeInvalidShape, val, "previous must be null exactly when sequence is 1", nil)
	}
	encoded, err := val.Encode()
	if err != nil {
		return newError(ErrCodeInvalidShape, val, err.Error(), err)
	}
	if len(encoded) > MaxEncodedSize {
		return newError(ErrCodeInvalidShape, val,
			fmt.Sprintf("encoded message must not be larger than %d bytes", MaxEncodedSize), nil)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	data := v.schema.Context().CompileBytes(encoded, cue.Filename("value.json"))
	if err := data.Err(); err != nil {
		return newError(ErrCodeInvalidShape, val, firstCUEError(err), err)
	}
	if err := v.schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return newError(ErrCodeInvalidShape, val, firstCUEError(err), err)
	}
	return nil
}

func firstCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	return errs[0].Error()
}
