// Package notify provides a small broadcast-on-change value that readers
// can wait on without polling. The scheduler bumps one each time a PipeLine
// returns from Run.
package notify

import (
	"errors"
	"sync"
)

// ErrNoChange can be returned from the callback passed to Update to signal
// that no update should be recorded; Update itself returns nil in that case.
var ErrNoChange = errors.New("no change")

// Var holds a value of type T plus a channel that closes whenever the value
// is replaced. The zero value is ready to use. A Var must not be copied
// after first use.
type Var[T any] struct {
	mu struct {
		sync.RWMutex
		val     T
		changed chan struct{}
	}
}

// Of constructs a Var already set to initial.
func Of[T any](initial T) *Var[T] {
	v := &Var[T]{}
	v.mu.val = initial
	v.mu.changed = make(chan struct{})
	return v
}

// Get returns the current value along with a channel that closes the next
// time Set or Update runs. Callers typically loop: read the value, act on
// it, then select on the channel (or ctx.Done) before reading again.
func (v *Var[T]) Get() (T, <-chan struct{}) {
	v.mu.RLock()
	val, ch := v.mu.val, v.mu.changed
	v.mu.RUnlock()
	if ch != nil {
		return val, ch
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mu.changed == nil {
		v.mu.changed = make(chan struct{})
	}
	return v.mu.val, v.mu.changed
}

// Set replaces the value and wakes every waiter.
func (v *Var[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mu.val = next
	v.broadcastLocked()
}

// Update atomically replaces the value using fn's return value. If fn
// returns ErrNoChange, the Var is left untouched and Update returns nil.
func (v *Var[T]) Update(fn func(T) (T, error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	next, err := fn(v.mu.val)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	v.mu.val = next
	v.broadcastLocked()
	return nil
}

func (v *Var[T]) broadcastLocked() {
	if v.mu.changed != nil {
		close(v.mu.changed)
	}
	v.mu.changed = make(chan struct{})
}
