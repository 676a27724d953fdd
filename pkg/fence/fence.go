// Copyright 2024 The gpumem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fence provides completion tokens for asynchronously submitted GPU
// work.
//
// A Cycle is signaled by the graphics backend when the work it tags has
// completed. Objects attached to a Cycle are resolved exactly once after the
// signal, in the first waiter's goroutine; this lets an attached object
// reference state that the waiter itself has locked.
package fence

import (
	"github.com/eapache/queue"

	"gpumem.dev/gpumem/pkg/sync"
)

// Dependency is an object attached to a Cycle. Completed is called exactly
// once per cycle, after the cycle has been signaled.
type Dependency interface {
	Completed()
}

// Cycle is an asynchronous completion token for a batch of submitted GPU
// work.
type Cycle struct {
	// done is closed by Signal.
	done chan struct{}

	mu sync.Mutex

	// signaled is true once Signal has been called. Guarded by mu.
	signaled bool

	// err is the terminal state of the cycle, recorded by the first Signal
	// call. It is immutable once done is closed.
	err error

	// attached holds dependencies awaiting resolution. Guarded by mu.
	attached *queue.Queue

	// resolving is true while a waiter is draining attached. Guarded by mu.
	resolving bool

	// resolved is true once attached has been fully drained. Guarded by mu.
	resolved bool
}

// NewCycle returns an unsignaled Cycle.
func NewCycle() *Cycle {
	return &Cycle{
		done:     make(chan struct{}),
		attached: queue.New(),
	}
}

// Signal marks the cycle complete with the given terminal error (nil for
// successful completion, non-nil for a lost or failed fence). Only the first
// call has any effect.
//
// Signal does not itself resolve attached dependencies; that happens in the
// first Wait caller, so that a dependency may touch state held locked by the
// waiter without deadlocking against it.
func (c *Cycle) Signal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaled {
		return
	}
	c.signaled = true
	c.err = err
	close(c.done)
}

// Signaled returns true if the cycle has been signaled.
func (c *Cycle) Signaled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the cycle is signaled, resolves attached dependencies if
// they have not been resolved yet, and returns the cycle's terminal error.
//
// The goroutine that claims resolution runs every attached dependency before
// returning; a dependency that re-enters Wait on the same cycle returns
// immediately rather than deadlocking.
func (c *Cycle) Wait() error {
	<-c.done
	c.resolve()
	return c.err
}

// Attach registers d for resolution after the cycle is signaled. If the
// cycle has already been signaled and resolved, d is resolved immediately in
// the calling goroutine.
func (c *Cycle) Attach(d Dependency) {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		d.Completed()
		return
	}
	c.attached.Add(d)
	c.mu.Unlock()
}

func (c *Cycle) resolve() {
	c.mu.Lock()
	if c.resolving || c.resolved {
		c.mu.Unlock()
		return
	}
	c.resolving = true
	for {
		if c.attached.Length() == 0 {
			c.resolved = true
			c.mu.Unlock()
			return
		}
		d := c.attached.Remove().(Dependency)
		c.mu.Unlock()
		d.Completed()
		c.mu.Lock()
	}
}
