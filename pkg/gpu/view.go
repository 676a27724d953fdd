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

package gpu

import (
	"sync/atomic"
)

// BufferView is a bounded, typed window into a Buffer's address range.
//
// Views are created with Buffer.GetView and deduplicated per buffer by the
// exact (offset, range, format) triple. A view holds a strong reference to
// its owning buffer; the buffer's view cache holds only weak references
// back.
type BufferView struct {
	// buffer is the owning buffer. The slot is atomically replaceable so
	// that views can be repointed at a different buffer if buffers are
	// consolidated; the locking protocol below stays correct across such
	// swaps.
	buffer atomic.Pointer[Buffer]

	// Offset and Range bound the view within the owning buffer's address
	// space. Immutable.
	Offset uint64
	Range  uint64

	// Format is the view's element format. Immutable; it participates only
	// in view identity.
	Format Format
}

// Buffer returns the view's current owning buffer.
//
// The owner may be swapped immediately after this returns; callers that rely
// on its identity across a critical section must re-read it under the
// buffer lock, where it is stable (owners are only swapped while their lock
// is held).
func (v *BufferView) Buffer() *Buffer {
	return v.buffer.Load()
}

// SetBuffer atomically repoints the view at a different buffer. This is the
// substitution hook for buffer consolidation; the migration itself (copying
// contents, rebasing offsets) is the caller's business.
//
// Preconditions: the caller holds the current owning buffer's lock.
func (v *BufferView) SetBuffer(b *Buffer) {
	v.buffer.Store(b)
}

// Lock locks the view's owning buffer.
//
// The owning buffer may be swapped while we wait for its lock, in which case
// holding the stale buffer's mutex guards nothing; re-check after acquiring
// and chase the latest owner until the two agree. On return, the mutex held
// is that of the buffer currently referenced by the view.
func (v *BufferView) Lock() {
	backing := v.buffer.Load()
	for {
		backing.Lock()

		latestBacking := v.buffer.Load()
		if backing == latestBacking {
			return
		}

		backing.Unlock()
		backing = latestBacking
	}
}

// Unlock unlocks the view's owning buffer.
func (v *BufferView) Unlock() {
	v.buffer.Load().Unlock()
}

// TryLock attempts to lock the view's owning buffer without blocking. As
// with Lock, the attempt only counts if the owner did not change across it:
// a failed attempt on a stale owner would misreport availability of the
// wrong buffer's lock, so it retries rather than returning. This can loop if
// the owner is reassigned continuously, matching the blocking variant.
func (v *BufferView) TryLock() bool {
	backing := v.buffer.Load()
	for {
		success := backing.TryLock()

		latestBacking := v.buffer.Load()
		if backing == latestBacking {
			// The attempt was made on the latest backing, so its result
			// stands.
			return success
		}

		if success {
			// We only unlock if the attempt acquired the stale mutex.
			backing.Unlock()
		}
		backing = latestBacking
	}
}
