package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAll_EmptyRunsSynchronously(t *testing.T) {
	g := New("validators")

	called := false
	g.RunAll(func() { called = true })

	assert.True(t, called, "done must run before RunAll returns")
	assert.False(t, g.Pending())
}

func TestRunAll_WaitsForAllTasks(t *testing.T) {
	g := New("boxers")

	release := make(chan struct{})
	var finished atomic.Int32
	for i := 0; i < 3; i++ {
		g.Register(func(done func()) {
			<-release
			finished.Add(1)
			done()
		})
	}

	doneCh := make(chan struct{})
	g.RunAll(func() { close(doneCh) })

	select {
	case <-doneCh:
		t.Fatal("done called before tasks completed")
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, g.Pending())

	close(release)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for gate")
	}
	assert.Equal(t, int32(3), finished.Load())
	assert.False(t, g.Pending())
}

func TestRunAll_CallersShareInFlightBatch(t *testing.T) {
	g := New("unboxers")

	release := make(chan struct{})
	g.Register(func(done func()) {
		<-release
		done()
	})

	var wg sync.WaitGroup
	var released atomic.Int32
	wg.Add(3)
	for i := 0; i < 3; i++ {
		g.RunAll(func() {
			released.Add(1)
			wg.Done()
		})
	}

	assert.Equal(t, int32(0), released.Load())
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), released.Load())
}

func TestRunAll_LateTasksBelongToNextRun(t *testing.T) {
	g := New("validators")

	first := make(chan struct{})
	g.Register(func(done func()) {
		<-first
		done()
	})
	firstDone := make(chan struct{})
	g.RunAll(func() { close(firstDone) })

	var lateRan atomic.Bool
	g.Register(func(done func()) {
		lateRan.Store(true)
		done()
	})

	close(first)
	<-firstDone
	assert.False(t, lateRan.Load(), "task registered mid-batch must wait for the next RunAll")
	assert.True(t, g.Pending())

	require.NoError(t, g.Wait(context.Background()))
	assert.True(t, lateRan.Load())
}

func TestTaskDoneIsIdempotent(t *testing.T) {
	g := New("boxers")
	g.Register(func(done func()) {
		done()
		done()
	})
	g.Register(func(done func()) {
		time.Sleep(10 * time.Millisecond)
		done()
	})

	var calls atomic.Int32
	finished := make(chan struct{})
	g.RunAll(func() {
		calls.Add(1)
		close(finished)
	})
	<-finished
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, g.Pending())
}

func TestWait_ContextCancelled(t *testing.T) {
	g := New("validators")
	g.Register(func(done func()) {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGated(t *testing.T) {
	a, b := New("a"), New("b")
	var ready atomic.Bool
	a.Register(func(done func()) {
		ready.Store(true)
		done()
	})

	fn := Gated(func(ctx context.Context) (bool, error) {
		return ready.Load(), nil
	}, a, b)

	got, err := fn(context.Background())
	require.NoError(t, err)
	assert.True(t, got, "wrapped call must observe completed setup")
}
