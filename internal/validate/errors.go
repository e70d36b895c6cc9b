package validate

import (
	"errors"
	"fmt"

	"github.com/roach88/feedlog/internal/envelope"
)

// ErrorCode categorizes validation failures.
type ErrorCode string

const (
	// ErrCodeInvalidAuthor indicates a malformed or unexpected author id.
	ErrCodeInvalidAuthor ErrorCode = "INVALID_AUTHOR"

	// ErrCodeInvalidShape indicates the value does not match the entry schema.
	ErrCodeInvalidShape ErrorCode = "INVALID_SHAPE"

	// ErrCodeCurveMismatch indicates signature and author curves differ.
	ErrCodeCurveMismatch ErrorCode = "CURVE_MISMATCH"

	// ErrCodeInvalidSignature indicates the signature does not verify.
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"

	// ErrCodeOutOfOrder indicates a sequence other than state+1.
	ErrCodeOutOfOrder ErrorCode = "OUT_OF_ORDER"

	// ErrCodeInvalidPrevious indicates previous does not link to the feed head.
	ErrCodeInvalidPrevious ErrorCode = "INVALID_PREVIOUS"
)

// ValidationError is returned when a policy rejects content or an envelope.
// Nothing rejected with a ValidationError is ever queued.
type ValidationError struct {
	Code     ErrorCode
	Message  string
	Author   envelope.FeedID
	Sequence int64
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Author != "" && e.Sequence > 0 {
		return fmt.Sprintf("%s: %s (author=%s, sequence=%d)", e.Code, e.Message, e.Author, e.Sequence)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, v envelope.Value, msg string, cause error) *ValidationError {
	return &ValidationError{Code: code, Message: msg, Author: v.Author, Sequence: v.Sequence, Err: cause}
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSignatureError reports whether err is a signature or curve failure.
// Uses errors.As to handle wrapped errors.
func IsSignatureError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == ErrCodeInvalidSignature || ve.Code == ErrCodeCurveMismatch
	}
	return false
}

// IsOrderError reports whether err is a sequence or previous-link failure.
func IsOrderError(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code == ErrCodeOutOfOrder || ve.Code == ErrCodeInvalidPrevious
	}
	return false
}

// CodeOf returns the code of a wrapped *ValidationError, or "".
func CodeOf(err error) ErrorCode {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}
