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
	"errors"
	"fmt"

	"gpumem.dev/gpumem/pkg/hostarch"
)

// Geometry errors returned by RegionSet.Check.
var (
	// ErrEmptyRegionSet indicates a RegionSet with no regions.
	ErrEmptyRegionSet = errors.New("empty region set")

	// ErrZeroLengthRegion indicates a region of zero length.
	ErrZeroLengthRegion = errors.New("zero-length region")

	// ErrOverlappingRegions indicates that two regions overlap.
	ErrOverlappingRegions = errors.New("overlapping regions")
)

// Region is a contiguous span of guest memory.
type Region struct {
	// Start is the address of the first byte of the region.
	Start hostarch.Addr

	// Length is the length of the region in bytes.
	Length uint64
}

// End returns the address one past the last byte of the region.
func (r Region) End() hostarch.Addr {
	end, ok := r.Start.AddLength(r.Length)
	if !ok {
		panic(fmt.Sprintf("guest.Region{%#x, %d} overflows", r.Start, r.Length))
	}
	return end
}

// Overlaps returns true if r and other share any byte.
func (r Region) Overlaps(other Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// RegionSet is an ordered sequence of guest memory spans that together
// constitute one logical buffer. The order of the regions defines the byte
// layout of the logical buffer: region i's bytes precede region i+1's.
// Regions need not be adjacent or address-ordered, but must not overlap.
type RegionSet []Region

// TotalSize returns the sum of all region lengths.
func (rs RegionSet) TotalSize() uint64 {
	var size uint64
	for _, r := range rs {
		size += r.Length
	}
	return size
}

// Check validates the geometry of the set. It returns an error wrapping one
// of the sentinel geometry errors above if the set is empty, contains a
// zero-length region, or contains overlapping regions.
func (rs RegionSet) Check() error {
	if len(rs) == 0 {
		return ErrEmptyRegionSet
	}
	for i, r := range rs {
		if r.Length == 0 {
			return fmt.Errorf("region %d at %#x: %w", i, r.Start, ErrZeroLengthRegion)
		}
		// End() panics on address overflow; force the check here so that
		// callers get an error out of Check rather than a panic later.
		if _, ok := r.Start.AddLength(r.Length); !ok {
			return fmt.Errorf("region %d at %#x with length %d overflows", i, r.Start, r.Length)
		}
	}
	for i := range rs {
		for j := i + 1; j < len(rs); j++ {
			if rs[i].Overlaps(rs[j]) {
				return fmt.Errorf("regions %d and %d: %w", i, j, ErrOverlappingRegions)
			}
		}
	}
	return nil
}
