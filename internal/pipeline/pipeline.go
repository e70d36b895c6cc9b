// Package pipeline provides ordered transform chains with short-circuiting.
//
// A Pipeline is open for Append until its first Run begins; after that the
// stage list is fixed so concurrent runs always see the same chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSealed is returned by Append once the pipeline has started running.
var ErrSealed = errors.New("pipeline: stages cannot be added after the first run")

// Stage transforms a value. Returning an error stops the pipeline.
type Stage[T any] func(ctx context.Context, in T) (T, error)

// Pipeline is an ordered list of stages applied sequentially.
type Pipeline[T any] struct {
	name string

	mu     sync.RWMutex
	stages []Stage[T]
	sealed bool
}

// New creates an empty pipeline.
func New[T any](name string) *Pipeline[T] {
	return &Pipeline[T]{name: name}
}

// Append adds a stage at the end of the chain.
func (p *Pipeline[T]) Append(s Stage[T]) error {
	if s == nil {
		return fmt.Errorf("pipeline %s: nil stage", p.name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrSealed
	}
	p.stages = append(p.stages, s)
	return nil
}

// Len returns the number of stages.
func (p *Pipeline[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// Sealed reports whether a run has started.
func (p *Pipeline[T]) Sealed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}

// Run seals the pipeline and applies every stage in order. The first error
// is returned wrapped with the failing stage index.
func (p *Pipeline[T]) Run(ctx context.Context, in T) (T, error) {
	p.mu.Lock()
	p.sealed = true
	stages := p.stages
	p.mu.Unlock()

	out := in
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		next, err := stage(ctx, out)
		if err != nil {
			var zero T
			return zero, &StageError{Pipeline: p.name, Index: i, Err: err}
		}
		out = next
	}
	return out, nil
}

// StageError reports which stage of a pipeline failed.
type StageError struct {
	Pipeline string
	Index    int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %d: %v", e.Pipeline, e.Index, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
