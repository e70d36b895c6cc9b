// Package notify provides a last-value cache with synchronous subscribers.
package notify

import (
	"sync"
	"sync/atomic"
)

type subscription[T any] struct {
	id     uint64
	fn     func(T)
	closed atomic.Bool
}

// Value holds the most recently set value and pushes every Set to its
// subscribers in registration order, on the caller's goroutine.
//
// Callbacks must not call Set or Subscribe on the same Value.
type Value[T any] struct {
	// emit serializes delivery so every subscriber observes sets in order.
	emit sync.Mutex

	mu     sync.RWMutex
	value  T
	set    bool
	subs   []*subscription[T]
	nextID uint64
}

// New creates an empty Value.
func New[T any]() *Value[T] {
	return &Value[T]{}
}

// Set stores v and notifies current subscribers.
func (n *Value[T]) Set(v T) {
	n.emit.Lock()
	defer n.emit.Unlock()

	n.mu.Lock()
	n.value = v
	n.set = true
	subs := append([]*subscription[T](nil), n.subs...)
	n.mu.Unlock()

	for _, s := range subs {
		if !s.closed.Load() {
			s.fn(v)
		}
	}
}

// Get returns the last value and whether one has been set.
func (n *Value[T]) Get() (T, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.value, n.set
}

// Subscribe registers fn. The current value, if any, is delivered before
// Subscribe returns. The returned cancel function is idempotent.
func (n *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	if fn == nil {
		panic("notify: Subscribe expects a callback")
	}
	n.emit.Lock()
	defer n.emit.Unlock()

	n.mu.Lock()
	n.nextID++
	sub := &subscription[T]{id: n.nextID, fn: fn}
	n.subs = append(n.subs, sub)
	v, ok := n.value, n.set
	n.mu.Unlock()

	if ok {
		fn(v)
	}
	return func() { n.unsubscribe(sub) }
}

// Len returns the number of active subscribers.
func (n *Value[T]) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

func (n *Value[T]) unsubscribe(sub *subscription[T]) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == sub.id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}
