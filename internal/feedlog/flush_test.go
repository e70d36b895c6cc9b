package feedlog

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/feedlog/internal/envelope"
)

func TestFlush_IdleRunsBeforeReturning(t *testing.T) {
	l := newTestLog(t, openTestStore(t))

	called := false
	l.Flush(func() { called = true })
	assert.True(t, called)

	// Also after a completed append.
	_, err := l.Append(t.Context(), AppendRequest{Keys: newTestKeys(t), Content: post("x")})
	require.NoError(t, err)
	require.NoError(t, l.FlushContext(t.Context()))
}

func TestFlush_WaitsForInFlightBatches(t *testing.T) {
	base := openTestStore(t)
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var batches atomic.Int32
	hs := &hookStore{Store: base, appendHook: func(context.Context, []*envelope.Envelope) error {
		if batches.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		return nil
	}}
	l := newTestLog(t, hs)
	k := newTestKeys(t)

	go func() {
		_, _ = l.Append(context.Background(), AppendRequest{Keys: k, Content: post("first")})
	}()
	<-entered

	// Queued while the first batch is being written.
	go func() {
		_, _ = l.Append(context.Background(), AppendRequest{Keys: k, Content: post("second")})
	}()
	require.Eventually(t, func() bool {
		st, _ := l.GetFeedState(context.Background(), k.ID)
		return st.Sequence == 2
	}, 5*time.Second, 5*time.Millisecond)

	flushed := make(chan int, 1)
	l.Flush(func() {
		n, err := base.CountFeed(context.Background(), k.ID)
		if err != nil {
			n = -1
		}
		flushed <- n
	})

	select {
	case <-flushed:
		t.Fatal("flush completed while a batch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case n := <-flushed:
		assert.Equal(t, 2, n, "flush runs after the batch it triggered is written")
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
	}
	assert.Equal(t, int32(2), batches.Load())
}

func TestFlushContext_Timeout(t *testing.T) {
	base := openTestStore(t)
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	hs := &hookStore{Store: base, appendHook: func(context.Context, []*envelope.Envelope) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	l := newTestLog(t, hs)
	k := newTestKeys(t)

	go func() {
		_, _ = l.Append(context.Background(), AppendRequest{Keys: k, Content: post("x")})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.FlushContext(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, l.FlushContext(t.Context()))
}
