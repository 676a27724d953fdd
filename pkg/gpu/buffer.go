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
	"errors"
	"fmt"
	"time"
	"weak"

	"gpumem.dev/gpumem/pkg/fence"
	"gpumem.dev/gpumem/pkg/guest"
	"gpumem.dev/gpumem/pkg/hostarch"
	"gpumem.dev/gpumem/pkg/log"
	"gpumem.dev/gpumem/pkg/sync"
)

// ErrViewOutOfBounds indicates a requested view range exceeding the buffer's
// size.
var ErrViewOutOfBounds = errors.New("view range exceeds buffer size")

// Buffer owns a host-side device allocation and a guest mirror for one
// logical guest buffer, and keeps the two coherent.
//
// A Buffer is also a mutual exclusion primitive. Its lock protects the host
// backing contents, the pending cycle and the view cache; it must be held
// for the duration of any Write, Synchronize* or GetView call. Callers lock
// a Buffer directly with Lock/Unlock/TryLock, or through a BufferView, whose
// locking remains correct while the view is repointed at a different Buffer.
type Buffer struct {
	mu sync.Mutex

	// size is the total byte length of the logical buffer, the sum of the
	// guest region lengths.
	size uint64

	// backing is the host device allocation. Contents guarded by mu.
	backing []byte

	// guest is the ordered region set the buffer was created over, and
	// guestBytes the corresponding guest memory, one slice per region.
	// Both are immutable after construction.
	guest      guest.RegionSet
	guestBytes [][]byte

	// alignedMirror is the page-aligned contiguous mapping over the guest
	// regions; mirror is its sub-range aliasing exactly the logical buffer.
	alignedMirror *guest.Mirror
	mirror        []byte

	// cycle weakly references the cycle tagging the most recent GPU work
	// touching this buffer, if that work may still be outstanding. Weak so
	// that the buffer never extends a cycle's lifetime. Guarded by mu.
	cycle weak.Pointer[fence.Cycle]

	// views caches views created against this buffer, weakly so that the
	// cache never keeps a view alive. Dead entries are pruned on the next
	// GetView. Guarded by mu.
	views []weak.Pointer[BufferView]
}

// newBuffer implements GPU.NewBuffer.
//
// Construction never partially succeeds: on error, any mapping already
// established is released and no Buffer is returned.
func newBuffer(g *GPU, regions guest.RegionSet) (*Buffer, error) {
	if err := regions.Check(); err != nil {
		return nil, fmt.Errorf("invalid region set: %w", err)
	}
	size := regions.TotalSize()
	backing, err := g.Allocator.AllocateBuffer(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate host backing of %d bytes: %w", size, err)
	}

	b := &Buffer{
		size:    size,
		backing: backing,
		guest:   append(guest.RegionSet(nil), regions...),
	}
	b.guestBytes = make([][]byte, 0, len(b.guest))
	for _, r := range b.guest {
		gb, err := g.Memory.Slice(r)
		if err != nil {
			return nil, fmt.Errorf("invalid region set: %w", err)
		}
		b.guestBytes = append(b.guestBytes, gb)
	}

	if err := b.setupGuestMappings(g.Memory); err != nil {
		return nil, err
	}

	// The host backing starts uninitialized.
	if err := b.SynchronizeHost(); err != nil {
		b.alignedMirror.Unmap()
		return nil, err
	}
	return b, nil
}

// setupGuestMappings establishes the contiguous guest mirror. The mapping
// primitive operates at page granularity, so the edges of the region set are
// aligned outward (alignment must never shrink the range); internal regions
// are expected to already be page-sized and aligned by the guest memory
// manager.
func (b *Buffer) setupGuestMappings(mem *guest.Memory) error {
	if len(b.guest) == 1 {
		mapping := b.guest[0]
		alignedStart := mapping.Start.RoundDown()
		alignedEnd := mapping.End().MustRoundUp()

		mirror, err := mem.CreateMirror(guest.Region{Start: alignedStart, Length: uint64(alignedEnd - alignedStart)})
		if err != nil {
			return fmt.Errorf("failed to mirror guest buffer: %w", err)
		}
		b.alignedMirror = mirror
		b.mirror = mirror.Bytes()[mapping.Start-alignedStart:][:mapping.Length]
		return nil
	}

	aligned := make(guest.RegionSet, 0, len(b.guest))

	front := b.guest[0]
	alignedStart := front.Start.RoundDown()
	aligned = append(aligned, guest.Region{Start: alignedStart, Length: uint64(front.End() - alignedStart)})

	for _, mapping := range b.guest[1 : len(b.guest)-1] {
		aligned = append(aligned, mapping)
	}

	back := b.guest[len(b.guest)-1]
	aligned = append(aligned, guest.Region{Start: back.Start, Length: uint64(hostarch.Addr(back.Length).MustRoundUp())})

	mirror, err := mem.CreateMirrors(aligned)
	if err != nil {
		return fmt.Errorf("failed to mirror guest buffer: %w", err)
	}
	b.alignedMirror = mirror
	b.mirror = mirror.Bytes()[front.Start-alignedStart:][:b.size]
	return nil
}

// Size returns the total byte length of the logical buffer.
func (b *Buffer) Size() uint64 {
	return b.size
}

// Lock locks the buffer.
func (b *Buffer) Lock() {
	b.mu.Lock()
}

// Unlock unlocks the buffer.
func (b *Buffer) Unlock() {
	b.mu.Unlock()
}

// TryLock attempts to lock the buffer without blocking.
func (b *Buffer) TryLock() bool {
	return b.mu.TryLock()
}

// WaitOnFence blocks until any outstanding GPU work touching this buffer has
// completed, then clears the pending cycle. It is a no-op if no work is
// outstanding.
//
// Preconditions: b must be locked.
func (b *Buffer) WaitOnFence() error {
	cycle := b.cycle.Value()
	if cycle == nil {
		b.cycle = weak.Pointer[fence.Cycle]{}
		return nil
	}
	err := cycle.Wait()
	b.cycle = weak.Pointer[fence.Cycle]{}
	if err != nil {
		return fmt.Errorf("fence wait failed: %w", err)
	}
	return nil
}

// SynchronizeHost copies the guest buffer contents into the host backing,
// waiting for any outstanding GPU work first so that the copy cannot race a
// previous GPU read of the backing.
//
// Preconditions: b must be locked.
func (b *Buffer) SynchronizeHost() error {
	if err := b.WaitOnFence(); err != nil {
		return err
	}
	b.copyToHost()
	return nil
}

// SynchronizeHostWithCycle is like SynchronizeHost, but skips the fence wait
// if the outstanding work is already tagged with pCycle: such work is known
// not to race this copy.
//
// Preconditions: b must be locked.
func (b *Buffer) SynchronizeHostWithCycle(pCycle *fence.Cycle) error {
	if pCycle != b.cycle.Value() {
		if err := b.WaitOnFence(); err != nil {
			return err
		}
	}
	b.copyToHost()
	return nil
}

// SynchronizeGuest copies the host backing back into the guest buffer,
// waiting for any outstanding GPU work first.
//
// Preconditions: b must be locked, or b must be otherwise inaccessible to
// other goroutines (construction, deferred sync resolution).
func (b *Buffer) SynchronizeGuest() error {
	if err := b.WaitOnFence(); err != nil {
		return err
	}
	b.copyToGuest()
	return nil
}

// deferredSyncLog rate-limits warnings from deferred guest syncs: after a
// fence failure, one can fire per resolved cycle.
var deferredSyncLog = log.BasicRateLimitedLogger(30 * time.Second)

// bufferGuestSync is a fence dependency that synchronizes the guest buffer
// with the host buffer at cycle completion time. It holds a strong reference
// so the buffer outlives the deferred copy.
type bufferGuestSync struct {
	buffer *Buffer
}

// Completed implements fence.Dependency.Completed.
//
// This runs in the goroutine of the waiter that resolves the cycle; that
// waiter may hold the buffer lock, so no lock is taken here. This is only
// safe because a buffer's pending cycle is resolved through that buffer's
// own WaitOnFence: the resolving waiter is the buffer's lock-holder (or the
// buffer is otherwise inaccessible, as at destruction). A cycle shared
// across buffers must not be resolved by an unrelated waiter while another
// goroutine can mutate this buffer.
func (s *bufferGuestSync) Completed() {
	if err := s.buffer.SynchronizeGuest(); err != nil {
		deferredSyncLog.Warningf("gpu: deferred guest sync dropped: %v", err)
	}
}

// SynchronizeGuestWithCycle defers guest synchronization to the completion
// of pCycle: the guest copy runs once the GPU has actually finished writing,
// rather than at call time with stale data. If work tagged with a different
// cycle is outstanding, it is resolved first, so a buffer never carries two
// competing deferred sync obligations.
//
// Preconditions: b must be locked.
func (b *Buffer) SynchronizeGuestWithCycle(pCycle *fence.Cycle) error {
	if pCycle != b.cycle.Value() {
		if err := b.WaitOnFence(); err != nil {
			return err
		}
	}
	pCycle.Attach(&bufferGuestSync{b})
	b.cycle = weak.Make(pCycle)
	return nil
}

// Write writes data into the guest mirror at the given offset. The write is
// immediately visible through the guest mappings; the host backing is not
// touched.
//
// Preconditions:
//   - b must be locked.
//   - offset+len(data) <= b.Size().
func (b *Buffer) Write(data []byte, offset uint64) {
	if offset+uint64(len(data)) > b.size {
		panic(fmt.Sprintf("write of %d bytes at offset %d exceeds buffer size %d", len(data), offset, b.size))
	}
	copy(b.mirror[offset:], data)
}

// GetView returns a view of the given range and format. Views are
// deduplicated per buffer: requesting a triple equal to that of a live view
// returns the existing view. Dead cache entries encountered during the scan
// are pruned.
//
// Preconditions: b must be locked.
func (b *Buffer) GetView(offset, length uint64, format Format) (*BufferView, error) {
	if length > b.size || offset > b.size-length {
		return nil, fmt.Errorf("view of %d bytes at offset %d in buffer of %d bytes: %w", length, offset, b.size, ErrViewOutOfBounds)
	}

	var found *BufferView
	live := b.views[:0]
	for _, viewWeak := range b.views {
		view := viewWeak.Value()
		if view == nil {
			continue
		}
		live = append(live, viewWeak)
		if found == nil && view.Offset == offset && view.Range == length && view.Format == format && view.Buffer() == b {
			found = view
		}
	}
	b.views = live
	if found != nil {
		return found, nil
	}

	view := &BufferView{
		Offset: offset,
		Range:  length,
		Format: format,
	}
	view.buffer.Store(b)
	b.views = append(b.views, weak.Make(view))
	return view, nil
}

// Destroy synchronizes the guest with the final host state, waiting for any
// outstanding GPU work even though the buffer is being torn down, then
// releases the mirror. No GPU-visible write is lost even if the buffer is
// destroyed while GPU work is in flight.
func (b *Buffer) Destroy() error {
	b.Lock()
	defer b.Unlock()

	err := b.SynchronizeGuest()
	if b.alignedMirror != nil {
		if unmapErr := b.alignedMirror.Unmap(); err == nil {
			err = unmapErr
		}
		b.mirror = nil
	}
	return err
}

// copyToHost copies every guest region's bytes into the host backing, in
// region order.
//
// Preconditions: any outstanding fence has been waited on.
func (b *Buffer) copyToHost() {
	if log.IsLogging(log.Debug) {
		log.Debugf("gpu: buffer(%d bytes): synchronize host", b.size)
	}
	host := b.backing
	for _, gb := range b.guestBytes {
		copy(host, gb)
		host = host[len(gb):]
	}
}

// copyToGuest copies the host backing back into every guest region, in
// region order.
//
// Preconditions: any outstanding fence has been waited on.
func (b *Buffer) copyToGuest() {
	if log.IsLogging(log.Debug) {
		log.Debugf("gpu: buffer(%d bytes): synchronize guest", b.size)
	}
	host := b.backing
	for _, gb := range b.guestBytes {
		copy(gb, host)
		host = host[len(gb):]
	}
}
