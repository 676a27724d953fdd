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

// Package guest models the emulated process's memory: a memfd-backed address
// space addressed by possibly-discontiguous spans, and a mirror mapping
// service that aliases such spans into a single contiguous virtual range.
package guest

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gpumem.dev/gpumem/pkg/hostarch"
	"gpumem.dev/gpumem/pkg/memutil"
)

// Memory is a guest address space. All of its pages are backed by a single
// memfd, so any range of it can be mapped again elsewhere and the two
// mappings alias the same physical memory.
type Memory struct {
	fd   int
	size uint64
	base []byte
}

// NewMemory creates a guest address space of the given size, which must be a
// non-zero multiple of the page size.
func NewMemory(size uint64) (*Memory, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("invalid guest memory size %d: must be a non-zero multiple of %d", size, hostarch.PageSize)
	}
	fd, err := memutil.CreateMemFD("gpumem-guest", 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set guest memory size: %w", err)
	}
	base, err := memutil.MapSlice(0, uintptr(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to map guest memory: %w", err)
	}
	return &Memory{
		fd:   fd,
		size: size,
		base: base,
	}, nil
}

// Close unmaps the guest address space and releases its backing. Mirrors
// created from m remain valid until unmapped; the shared backing is released
// once the last mapping is gone.
func (m *Memory) Close() error {
	if m.base == nil {
		return nil
	}
	err := memutil.UnmapSlice(m.base)
	m.base = nil
	if closeErr := unix.Close(m.fd); err == nil {
		err = closeErr
	}
	return err
}

// Bytes returns the guest address space as a byte slice.
func (m *Memory) Bytes() []byte {
	return m.base
}

// Base returns the address of the first byte of the guest address space.
func (m *Memory) Base() hostarch.Addr {
	return hostarch.Addr(memutil.SliceAddr(m.base))
}

// Size returns the size of the guest address space in bytes.
func (m *Memory) Size() uint64 {
	return m.size
}

// Slice returns the guest memory spanned by r.
func (m *Memory) Slice(r Region) ([]byte, error) {
	off, err := m.fileOffset(r)
	if err != nil {
		return nil, err
	}
	return m.base[off : off+uintptr(r.Length)], nil
}

// fileOffset translates an address within the guest address space to an
// offset into the backing memfd.
func (m *Memory) fileOffset(r Region) (uintptr, error) {
	base := m.Base()
	end, _ := base.AddLength(m.size)
	if r.Start < base || r.End() > end {
		return 0, fmt.Errorf("region [%#x, %#x) outside guest memory [%#x, %#x)", r.Start, r.End(), base, end)
	}
	return uintptr(r.Start - base), nil
}
