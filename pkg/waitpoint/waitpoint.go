// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package waitpoint provides a single-shot suspension primitive used to
// stall a message until an observer releases it. It has no re-arm: once
// completed, every past and future Await call resolves immediately.
package waitpoint

import (
	"context"
	"sync"
)

// Waitpoint is a one-shot flag with an attached completion notifier. The
// zero value is not usable; construct one with New.
type Waitpoint struct {
	once sync.Once
	done chan struct{}
}

// New returns a Waitpoint in the pending state.
func New() *Waitpoint {
	return &Waitpoint{done: make(chan struct{})}
}

// Complete transitions the Waitpoint from pending to done, waking any
// current or future Await call. Calling Complete more than once is a
// no-op; it never panics or blocks.
func (w *Waitpoint) Complete() {
	w.once.Do(func() { close(w.done) })
}

// Await blocks until Complete has been called, or ctx is done, whichever
// happens first. There are no timeouts at this layer beyond what the
// caller's context provides.
func (w *Waitpoint) Await(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether Complete has already been called, without
// blocking.
func (w *Waitpoint) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}
