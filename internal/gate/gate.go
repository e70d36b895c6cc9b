// Package gate provides a phased readiness barrier.
//
// Setup tasks are registered on a Gate and executed by RunAll. Operations
// that must not observe a half-initialized component call Wait (or RunAll
// with a continuation) before doing their work. Tasks may be registered at
// any time; each RunAll takes the tasks pending at that moment, and every
// caller arriving while a batch is in flight is released together with it.
package gate

import (
	"context"
	"sync"
)

// Task is a setup step. It must call done exactly once when finished;
// additional calls are ignored.
type Task func(done func())

// Gate is a readiness barrier. The zero value is ready to use.
type Gate struct {
	name string

	mu        sync.Mutex
	pending   []Task
	running   int
	callbacks []func()
}

// New creates a named gate. The name only appears in diagnostics.
func New(name string) *Gate {
	return &Gate{name: name}
}

// Name returns the gate's name.
func (g *Gate) Name() string {
	return g.name
}

// Register adds t to the set executed by the next RunAll.
func (g *Gate) Register(t Task) {
	if t == nil {
		panic("gate: Register expects a task")
	}
	g.mu.Lock()
	g.pending = append(g.pending, t)
	g.mu.Unlock()
}

// Pending reports whether tasks are waiting to run or still running.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.idleLocked()
}

func (g *Gate) idleLocked() bool {
	return len(g.pending) == 0 && g.running == 0
}

// RunAll starts every pending task concurrently and calls done once no task
// is running. When nothing is pending or running, done is called before
// RunAll returns, on the caller's goroutine.
func (g *Gate) RunAll(done func()) {
	if done == nil {
		done = func() {}
	}

	g.mu.Lock()
	if g.idleLocked() {
		g.mu.Unlock()
		done()
		return
	}
	batch := g.pending
	g.pending = nil
	g.callbacks = append(g.callbacks, done)
	g.running += len(batch)
	g.mu.Unlock()

	for _, task := range batch {
		var once sync.Once
		go task(func() { once.Do(g.finish) })
	}
}

// finish accounts for one completed task and releases the waiting callbacks
// when the running count drops to zero.
func (g *Gate) finish() {
	g.mu.Lock()
	g.running--
	if g.running > 0 {
		g.mu.Unlock()
		return
	}
	callbacks := g.callbacks
	g.callbacks = nil
	g.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Wait runs the pending tasks and blocks until the gate is idle or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	ready := make(chan struct{})
	g.RunAll(func() { close(ready) })

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Gated returns fn wrapped so it only runs once every gate is ready.
// Gates are waited on in order.
func Gated[T any](fn func(context.Context) (T, error), gates ...*Gate) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		for _, g := range gates {
			if err := g.Wait(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return fn(ctx)
	}
}
