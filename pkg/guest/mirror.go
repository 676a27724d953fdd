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

package guest

import (
	"fmt"

	"golang.org/x/sys/unix"

	"gpumem.dev/gpumem/pkg/hostarch"
	"gpumem.dev/gpumem/pkg/memutil"
)

// Mirror is a contiguous, page-aligned virtual mapping that aliases one or
// more spans of guest memory. Writes through the mirror are visible through
// the guest address space and vice versa.
//
// A Mirror is a scoped resource: it is mapped on creation and must be
// released with Unmap.
type Mirror struct {
	mapping []byte
}

// Bytes returns the mirror mapping as a byte slice.
func (m *Mirror) Bytes() []byte {
	return m.mapping
}

// Unmap releases the mirror mapping. It is idempotent.
func (m *Mirror) Unmap() error {
	if m.mapping == nil {
		return nil
	}
	err := memutil.UnmapSlice(m.mapping)
	m.mapping = nil
	return err
}

// CreateMirror maps a single page-aligned span of guest memory at an
// arbitrary contiguous virtual range.
//
// Preconditions: r.Start is page-aligned and r.Length is a non-zero multiple
// of the page size (violations return an error, since misaligned pieces
// cannot be expressed by the mapping primitive).
func (m *Memory) CreateMirror(r Region) (*Mirror, error) {
	if err := checkMirrorPiece(r); err != nil {
		return nil, err
	}
	fileOff, err := m.fileOffset(r)
	if err != nil {
		return nil, err
	}
	mapping, err := memutil.MapSlice(0, uintptr(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(m.fd), fileOff)
	if err != nil {
		return nil, fmt.Errorf("failed to mirror region [%#x, %#x): %w", r.Start, r.End(), err)
	}
	return &Mirror{mapping: mapping}, nil
}

// CreateMirrors maps a sequence of page-aligned spans of guest memory into
// one contiguous virtual range, in order. The address space for the combined
// range is reserved first, then each span is mapped over it, so the result
// is always a single flat range regardless of where the spans live in guest
// memory.
//
// Preconditions: as for CreateMirror, for every span.
func (m *Memory) CreateMirrors(regions RegionSet) (*Mirror, error) {
	var total uint64
	for _, r := range regions {
		if err := checkMirrorPiece(r); err != nil {
			return nil, err
		}
		if _, err := m.fileOffset(r); err != nil {
			return nil, err
		}
		total += r.Length
	}
	if total == 0 {
		return nil, ErrEmptyRegionSet
	}

	// Reserve the combined range, then replace it piecewise.
	reservation, err := memutil.MapSlice(0, uintptr(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %d bytes for mirror: %w", total, err)
	}

	cursor := memutil.SliceAddr(reservation)
	for _, r := range regions {
		fileOff, _ := m.fileOffset(r)
		if _, err := memutil.MapFile(cursor, uintptr(r.Length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(m.fd), fileOff); err != nil {
			memutil.UnmapSlice(reservation)
			return nil, fmt.Errorf("failed to mirror region [%#x, %#x): %w", r.Start, r.End(), err)
		}
		cursor += uintptr(r.Length)
	}

	return &Mirror{mapping: reservation}, nil
}

func checkMirrorPiece(r Region) error {
	if r.Length == 0 {
		return ErrZeroLengthRegion
	}
	if !r.Start.IsPageAligned() || r.Length%hostarch.PageSize != 0 {
		return fmt.Errorf("region [%#x, %#x) is not page-aligned", r.Start, r.End())
	}
	return nil
}
