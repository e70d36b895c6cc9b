package feedlog

import (
	"sync/atomic"
	"time"
)

// Clock hands out strictly increasing millisecond timestamps. Two envelopes
// stamped by the same Clock never share a timestamp, even when the wall
// clock stalls or steps backwards.
//
// Clock is safe for concurrent use.
type Clock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewClock creates a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewClockFunc creates a clock backed by now. Used in tests.
func NewClockFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Next returns a timestamp greater than every previous result.
func (c *Clock) Next() int64 {
	for {
		ts := c.now().UnixMilli()
		last := c.last.Load()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Current returns the last timestamp handed out, or 0.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
