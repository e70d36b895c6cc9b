package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no envelope matches a lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrReleased is returned when a lease is released more than once.
	ErrReleased = errors.New("store: lease already released")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// StoreError wraps a backend failure with the operation that hit it.
// Duplicate appends never produce a StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err is (or wraps) a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
