// Copyright 2026 CM4all GmbH. All Rights Reserved.
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

package page

import "testing"

func TestAlignToPageSize(t *testing.T) {
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, uintptr(Size)},
		{uintptr(Size), uintptr(Size)},
		{uintptr(Size) + 1, uintptr(2 * Size)},
	}
	for _, c := range cases {
		if got := AlignToPageSize(c.in); got != c.want {
			t.Errorf("AlignToPageSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAlignHugePageDown(t *testing.T) {
	if got := AlignHugePageDown(HugeSize + 100); got != HugeSize {
		t.Errorf("AlignHugePageDown(HugeSize+100) = %d, want %d", got, HugeSize)
	}
	if got := AlignHugePageDown(HugeSize - 1); got != 0 {
		t.Errorf("AlignHugePageDown(HugeSize-1) = %d, want 0", got)
	}
}

func TestAllocatePagesRoundTrip(t *testing.T) {
	b, err := AllocatePages(100)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if len(b) < 100 {
		t.Fatalf("AllocatePages(100) returned %d bytes", len(b))
	}
	b[0] = 0xAB
	if err := DiscardPages(b); err != nil {
		t.Fatalf("DiscardPages: %v", err)
	}
	if err := FreePages(b); err != nil {
		t.Fatalf("FreePages: %v", err)
	}
}
