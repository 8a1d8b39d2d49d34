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

package slicepool

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	p := New("test", 64, 4)

	a1 := p.Alloc()
	if st := p.Stats(); st.Partial != 1 || st.Empty != 0 {
		t.Fatalf("after first alloc: %+v", st)
	}

	a1.Data[0] = 0x42
	p.Free(a1)
	if st := p.Stats(); st.Empty != 1 || st.Partial != 0 {
		t.Fatalf("after free back to empty: %+v", st)
	}
}

func TestAreaFillsUpMovesToFull(t *testing.T) {
	p := New("test", 8, 2)
	a1 := p.Alloc()
	if st := p.Stats(); st.Partial != 1 {
		t.Fatalf("expected 1 partial area, got %+v", st)
	}
	a2 := p.Alloc()
	if a1.Area != a2.Area {
		t.Fatalf("expected second alloc to reuse the same area")
	}
	if st := p.Stats(); st.Full != 1 || st.Partial != 0 {
		t.Fatalf("expected area to become full: %+v", st)
	}

	p.Free(a1)
	if st := p.Stats(); st.Partial != 1 || st.Full != 0 {
		t.Fatalf("expected area to move back to partial after free: %+v", st)
	}
}

func TestAllocPreferencePartialThenEmptyThenNew(t *testing.T) {
	p := New("test", 8, 1) // one slot per area -> every alloc starts a new area

	a1 := p.Alloc() // area1 full immediately
	if st := p.Stats(); st.Full != 1 {
		t.Fatalf("expected full area: %+v", st)
	}
	p.Free(a1) // area1 becomes empty
	if st := p.Stats(); st.Empty != 1 {
		t.Fatalf("expected empty area: %+v", st)
	}
	a2 := p.Alloc() // should reuse area1 from empty list
	if a2.Area != a1.Area {
		t.Fatalf("expected reuse of the empty area before allocating a new one")
	}
}

func TestCompressDisposesEmptyAreasOnly(t *testing.T) {
	p := New("test", 64, 8)
	a := p.Alloc()
	p.Free(a)
	if st := p.Stats(); st.Empty != 1 {
		t.Fatalf("expected 1 empty area: %+v", st)
	}
	p.Compress()
	if st := p.Stats(); st.Empty != 0 {
		t.Fatalf("expected Compress to dispose of empty areas: %+v", st)
	}
}

func TestCompressLeavesLiveAllocationsIntact(t *testing.T) {
	p := New("test", 64, 8)
	allocs := make([]*Allocation, 4)
	for i := range allocs {
		allocs[i] = p.Alloc()
		allocs[i].Data[0] = byte(i + 1)
	}
	// free half, leaving a partially-used area
	p.Free(allocs[1])
	p.Free(allocs[3])

	p.Compress()

	if allocs[0].Data[0] != 1 || allocs[2].Data[0] != 3 {
		t.Fatalf("Compress must not disturb live allocation contents")
	}
}

func TestFreeThenAllocRoundTripIsNoopOnAllocationSet(t *testing.T) {
	p := New("test", 32, 4)
	// The first Alloc on a fresh pool creates an area, which stays on the
	// empty list after its last Free; keep one slice live so the round
	// trip below runs on an existing area.
	_ = p.Alloc()
	before := p.Stats()
	a := p.Alloc()
	p.Free(a)
	after := p.Stats()
	if before != after {
		t.Fatalf("Free(Alloc()) changed pool stats: before=%+v after=%+v", before, after)
	}
}
