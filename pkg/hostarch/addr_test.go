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

package hostarch

import "testing"

func TestRoundDown(t *testing.T) {
	for _, test := range []struct {
		addr Addr
		want Addr
	}{
		{0, 0},
		{1, 0},
		{PageMask, 0},
		{PageSize, PageSize},
		{PageSize + 1, PageSize},
		{3*PageSize + 17, 3 * PageSize},
	} {
		if got := test.addr.RoundDown(); got != test.want {
			t.Errorf("Addr(%#x).RoundDown(): got %#x, wanted %#x", test.addr, got, test.want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	for _, test := range []struct {
		addr   Addr
		want   Addr
		wantOK bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{PageSize + 1, 2 * PageSize, true},
		{^Addr(0), 0, false},
		{^Addr(0) - PageMask + 1, 0, false},
	} {
		got, ok := test.addr.RoundUp()
		if ok != test.wantOK || (ok && got != test.want) {
			t.Errorf("Addr(%#x).RoundUp(): got (%#x, %t), wanted (%#x, %t)", test.addr, got, ok, test.want, test.wantOK)
		}
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(PageSize).AddLength(123); !ok || end != PageSize+123 {
		t.Errorf("AddLength: got (%#x, %t), wanted (%#x, true)", end, ok, PageSize+123)
	}
	if _, ok := (^Addr(0)).AddLength(1); ok {
		t.Error("AddLength: expected overflow, got ok")
	}
}

func TestPageAligned(t *testing.T) {
	if !Addr(2 * PageSize).IsPageAligned() {
		t.Error("IsPageAligned(2*PageSize): got false, wanted true")
	}
	if Addr(2*PageSize + 1).IsPageAligned() {
		t.Error("IsPageAligned(2*PageSize + 1): got true, wanted false")
	}
}
