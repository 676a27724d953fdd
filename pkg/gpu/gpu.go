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

// Package gpu implements guest/host buffer virtualization for a GPU
// emulation layer: it presents an emulated process's memory, possibly split
// across several non-contiguous mappings, to a native graphics backend as
// one contiguous device buffer, and keeps the two coherent while GPU work
// referencing the buffer completes asynchronously.
package gpu

import (
	"fmt"

	"gpumem.dev/gpumem/pkg/guest"
)

// Format is an opaque element format tag carried by buffer views. Its value
// is meaningful only to the graphics backend; this package uses it solely
// for view identity.
type Format uint32

// FormatUndefined is the zero Format.
const FormatUndefined Format = 0

// Allocator provides host-side device-visible buffer storage.
type Allocator interface {
	// AllocateBuffer returns a device-visible allocation of the given size.
	// The contents of the allocation are unspecified.
	AllocateBuffer(size uint64) ([]byte, error)
}

// HostAllocator is an Allocator backed by ordinary process memory. It stands
// in for a device allocator where no real device is present (unified-memory
// devices, tests).
type HostAllocator struct{}

// AllocateBuffer implements Allocator.AllocateBuffer.
func (HostAllocator) AllocateBuffer(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("cannot allocate zero-size buffer")
	}
	return make([]byte, size), nil
}

// GPU binds the collaborators buffers are built from.
type GPU struct {
	// Allocator provides host backings for buffers.
	Allocator Allocator

	// Memory is the guest address space that buffers mirror.
	Memory *guest.Memory
}

// NewBuffer constructs a Buffer over the given guest regions. See
// Buffer for the construction contract.
func (g *GPU) NewBuffer(regions guest.RegionSet) (*Buffer, error) {
	return newBuffer(g, regions)
}
