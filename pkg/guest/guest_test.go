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
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gpumem.dev/gpumem/pkg/hostarch"
)

const pageSize = hostarch.PageSize

func TestRegionSetCheck(t *testing.T) {
	for _, test := range []struct {
		desc    string
		regions RegionSet
		wantErr error
	}{
		{
			desc:    "empty",
			regions: RegionSet{},
			wantErr: ErrEmptyRegionSet,
		},
		{
			desc:    "zero length",
			regions: RegionSet{{Start: pageSize, Length: 0}},
			wantErr: ErrZeroLengthRegion,
		},
		{
			desc:    "overlap",
			regions: RegionSet{{Start: 0, Length: 2 * pageSize}, {Start: pageSize, Length: pageSize}},
			wantErr: ErrOverlappingRegions,
		},
		{
			desc:    "single",
			regions: RegionSet{{Start: 123, Length: 456}},
		},
		{
			desc:    "disjoint out of address order",
			regions: RegionSet{{Start: 4 * pageSize, Length: pageSize}, {Start: 0, Length: pageSize}},
		},
		{
			desc:    "adjacent",
			regions: RegionSet{{Start: 0, Length: pageSize}, {Start: pageSize, Length: pageSize}},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			err := test.regions.Check()
			if test.wantErr == nil {
				if err != nil {
					t.Errorf("Check(): got %v, wanted nil", err)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Errorf("Check(): got %v, wanted %v", err, test.wantErr)
			}
		})
	}
}

func TestTotalSize(t *testing.T) {
	rs := RegionSet{{Start: 0, Length: 100}, {Start: pageSize, Length: 23}}
	if got, want := rs.TotalSize(), uint64(123); got != want {
		t.Errorf("TotalSize(): got %d, wanted %d", got, want)
	}
}

func newTestMemory(t *testing.T, pages uint64) *Memory {
	t.Helper()
	m, err := NewMemory(pages * pageSize)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func fillPattern(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func TestMirrorAliasesGuestMemory(t *testing.T) {
	m := newTestMemory(t, 4)
	fillPattern(m.Bytes(), 3)

	r := Region{Start: m.Base() + pageSize, Length: 2 * pageSize}
	mirror, err := m.CreateMirror(r)
	if err != nil {
		t.Fatalf("CreateMirror: %v", err)
	}
	defer mirror.Unmap()

	want := m.Bytes()[pageSize : 3*pageSize]
	if diff := cmp.Diff(want, mirror.Bytes()); diff != "" {
		t.Fatalf("mirror contents differ from guest memory (-want +got):\n%s", diff)
	}

	// Writes through the mirror must be visible through guest memory.
	mirror.Bytes()[17] = 0xAB
	if got := m.Bytes()[pageSize+17]; got != 0xAB {
		t.Errorf("write through mirror not visible in guest memory: got %#x", got)
	}

	// And the other direction.
	m.Bytes()[pageSize+42] = 0xCD
	if got := mirror.Bytes()[42]; got != 0xCD {
		t.Errorf("write through guest memory not visible in mirror: got %#x", got)
	}
}

func TestCreateMirrorsConcatenates(t *testing.T) {
	m := newTestMemory(t, 8)
	fillPattern(m.Bytes(), 7)

	// Layout order deliberately differs from address order.
	regions := RegionSet{
		{Start: m.Base() + 5*pageSize, Length: 2 * pageSize},
		{Start: m.Base(), Length: pageSize},
		{Start: m.Base() + 2*pageSize, Length: pageSize},
	}
	mirror, err := m.CreateMirrors(regions)
	if err != nil {
		t.Fatalf("CreateMirrors: %v", err)
	}
	defer mirror.Unmap()

	var want []byte
	want = append(want, m.Bytes()[5*pageSize:7*pageSize]...)
	want = append(want, m.Bytes()[:pageSize]...)
	want = append(want, m.Bytes()[2*pageSize:3*pageSize]...)
	if !bytes.Equal(mirror.Bytes(), want) {
		t.Fatal("mirror is not the in-order concatenation of the regions")
	}

	// A write landing in the third span.
	off := uint64(3*pageSize + 9)
	mirror.Bytes()[off] = 0xEE
	if got := m.Bytes()[2*pageSize+9]; got != 0xEE {
		t.Errorf("write at flat offset %d not visible in third region: got %#x", off, got)
	}
}

func TestCreateMirrorMisaligned(t *testing.T) {
	m := newTestMemory(t, 4)
	if _, err := m.CreateMirror(Region{Start: m.Base() + 1, Length: pageSize}); err == nil {
		t.Error("CreateMirror with misaligned start: got nil error")
	}
	if _, err := m.CreateMirror(Region{Start: m.Base(), Length: pageSize + 1}); err == nil {
		t.Error("CreateMirror with misaligned length: got nil error")
	}
	if _, err := m.CreateMirrors(RegionSet{{Start: m.Base() + 1, Length: pageSize}}); err == nil {
		t.Error("CreateMirrors with misaligned span: got nil error")
	}
}

func TestCreateMirrorOutsideMemory(t *testing.T) {
	m := newTestMemory(t, 2)
	if _, err := m.CreateMirror(Region{Start: m.Base() + 2*pageSize, Length: pageSize}); err == nil {
		t.Error("CreateMirror beyond end of guest memory: got nil error")
	}
}

func TestMirrorUnmapIdempotent(t *testing.T) {
	m := newTestMemory(t, 1)
	mirror, err := m.CreateMirror(Region{Start: m.Base(), Length: pageSize})
	if err != nil {
		t.Fatalf("CreateMirror: %v", err)
	}
	if err := mirror.Unmap(); err != nil {
		t.Errorf("Unmap: %v", err)
	}
	if err := mirror.Unmap(); err != nil {
		t.Errorf("second Unmap: %v", err)
	}
}
