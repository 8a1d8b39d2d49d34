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

// Package slicepool implements many small fixed-size allocations backed by
// page-aligned areas, grouped into intrusive partial/empty/full lists so
// that Alloc always prefers an already-open area and Compress can return
// fully idle areas to the operating system.
//
// Unlike the C++ original, area headers are not embedded as a prefix of the
// mmap'd region (Go cannot safely alias a []byte with a typed struct
// without violating the memory model); instead each area keeps its header
// fields as ordinary Go fields alongside a payload []byte obtained from
// package page. This is the "ownership-safe reimplementation" the design
// notes call for: slot indices are still pure arithmetic, but there is no
// raw pointer aliasing.
package slicepool

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cm4all/edgecore/internal/memcore/page"
)

const (
	endOfList uint32 = 0xFFFFFFFF
	allocated uint32 = 0xFFFFFFFE
)

// Pool manages many fixed-size allocations of sliceSize bytes, slicesPerArea
// per area.
type Pool struct {
	mu   sync.Mutex
	name string

	sliceSize     int
	slicesPerArea int
	areaSize      int

	partial *list.List // *area, allocation preferred from the front
	empty   *list.List // *area
	full    *list.List // *area
}

// New creates a slice pool. sliceSize and slicesPerArea must be positive.
func New(name string, sliceSize, slicesPerArea int) *Pool {
	if sliceSize <= 0 || slicesPerArea <= 0 {
		panic("slicepool: sliceSize and slicesPerArea must be positive")
	}
	areaSize := int(page.AlignToPageSize(uintptr(sliceSize * slicesPerArea)))
	return &Pool{
		name:          name,
		sliceSize:     sliceSize,
		slicesPerArea: slicesPerArea,
		areaSize:      areaSize,
		partial:       list.New(),
		empty:         list.New(),
		full:          list.New(),
	}
}

// SliceSize returns the fixed allocation size of this pool.
func (p *Pool) SliceSize() int { return p.sliceSize }

// area is one mmap'd region, subdivided into slicesPerArea fixed slots.
type area struct {
	pool *Pool
	elem *list.Element
	cur  *list.List // which of partial/empty/full elem currently lives in

	payload []byte
	next    []uint32 // free-list links; endOfList or allocated sentinels
	head    uint32   // index of first free slot, or endOfList
	count   int      // number of currently-allocated slots
}

// Allocation is a single slice handed out by Alloc.
type Allocation struct {
	Area *area
	Data []byte
}

func newArea(p *Pool) *area {
	payload, err := page.AllocatePages(p.areaSize)
	if err != nil {
		// Allocation is infallible by contract (§4.B): cache/buffer memory
		// is essential, so we fail fast rather than propagate a partial
		// failure state into the pool's invariants.
		panic(fmt.Sprintf("slicepool %q: %v", p.name, err))
	}
	a := &area{
		pool:    p,
		payload: payload,
		next:    make([]uint32, p.slicesPerArea),
	}
	for i := 0; i < p.slicesPerArea; i++ {
		if i == p.slicesPerArea-1 {
			a.next[i] = endOfList
		} else {
			a.next[i] = uint32(i + 1)
		}
	}
	return a
}

func (a *area) moveTo(dst *list.List) {
	if a.cur != nil && a.elem != nil {
		a.cur.Remove(a.elem)
	}
	a.elem = dst.PushFront(a)
	a.cur = dst
}

func (a *area) moveToBack(dst *list.List) {
	if a.cur != nil && a.elem != nil {
		a.cur.Remove(a.elem)
	}
	a.elem = dst.PushBack(a)
	a.cur = dst
}

func (a *area) slotBytes(i uint32) []byte {
	ss := a.pool.sliceSize
	return a.payload[int(i)*ss : int(i)*ss+ss]
}

// Alloc returns a new slice. Allocation order is partial-front, then
// empty-front, then a freshly created area (§4.B).
func (p *Pool) Alloc() *Allocation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var a *area
	switch {
	case p.partial.Len() > 0:
		a = p.partial.Front().Value.(*area)
	case p.empty.Len() > 0:
		a = p.empty.Front().Value.(*area)
	default:
		a = newArea(p)
		a.moveTo(p.empty)
	}

	idx := a.head
	a.head = a.next[idx]
	a.next[idx] = allocated
	a.count++

	switch {
	case a.head == endOfList:
		a.moveToBack(p.full)
	case a.count == 1:
		a.moveTo(p.partial)
	}

	return &Allocation{Area: a, Data: a.slotBytes(idx)}
}

func (a *area) indexOf(data []byte) uint32 {
	off := cap(a.payload) - cap(data)
	return uint32(off / a.pool.sliceSize)
}

// Free returns a slice to its area.
func (p *Pool) Free(alloc *Allocation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := alloc.Area
	idx := a.indexOf(alloc.Data)
	if a.next[idx] != allocated {
		panic("slicepool: double free or invalid allocation")
	}

	wasFull := a.head == endOfList
	a.next[idx] = a.head
	a.head = idx
	a.count--

	switch {
	case a.count == 0:
		a.moveTo(p.empty)
	case wasFull:
		a.moveTo(p.partial)
	}
}

// Compress discards free pages in every partial area, then disposes of
// every fully empty area. Areas on the full list are left untouched.
func (p *Pool) Compress() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.partial.Front(); e != nil; e = e.Next() {
		a := e.Value.(*area)
		a.compress()
	}

	var next *list.Element
	for e := p.empty.Front(); e != nil; e = next {
		next = e.Next()
		a := e.Value.(*area)
		p.empty.Remove(e)
		_ = page.FreePages(a.payload)
	}
}

// compress advises the kernel to discard pages that contain only free
// slots. It scans slot ranges in index order and discards each maximal
// page-aligned run of free slots.
func (a *area) compress() {
	ps := page.Size
	free := make([]bool, len(a.next))
	for i := range a.next {
		free[i] = a.next[i] != allocated
	}
	ss := a.pool.sliceSize
	i := 0
	for i < len(free) {
		if !free[i] {
			i++
			continue
		}
		j := i
		for j < len(free) && free[j] {
			j++
		}
		start := i * ss
		end := j * ss
		alignedStart := int(page.AlignToPageSize(uintptr(start)))
		alignedEnd := (end / ps) * ps
		if alignedEnd > alignedStart {
			_ = page.DiscardPages(a.payload[alignedStart:alignedEnd])
		}
		i = j
	}
}

// ForkCow applies the fork-inheritance policy to every area in the pool.
func (p *Pool) ForkCow(inherit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range []*list.List{p.partial, p.empty, p.full} {
		for e := l.Front(); e != nil; e = e.Next() {
			a := e.Value.(*area)
			page.EnablePageFork(a.payload, inherit)
		}
	}
}

// Stats reports the number of areas on each list, for telemetry.
type Stats struct{ Partial, Empty, Full int }

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Partial: p.partial.Len(), Empty: p.empty.Len(), Full: p.full.Len()}
}
