package feedlog

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Log.
	ErrClosed = errors.New("feedlog: closed")

	// ErrNotDurable is returned when the caller stops waiting for an entry
	// that has already been queued. The entry is still written.
	ErrNotDurable = errors.New("feedlog: queued but not yet durable")
)

// QueueError reports a misuse of the append queue, such as enqueueing an
// envelope without a key. It only fails the offending request.
type QueueError struct {
	Op      string
	Message string
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("feedlog %s: %s", e.Op, e.Message)
}

// IsQueueError reports whether err is (or wraps) a *QueueError.
func IsQueueError(err error) bool {
	var qe *QueueError
	return errors.As(err, &qe)
}
