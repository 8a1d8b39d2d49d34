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

// Package pool implements the request-arena tree: ref-counted nodes that
// free all of their allocations en masse when their refcount drops to
// zero, with the teacher's Store/managedVSA lifecycle
// (Ref/Unref/Close-on-zero) generalized from "one VSA per key" to
// "one arena per request/connection/instance".
package pool

import (
	"fmt"
	"sync"

	"github.com/cm4all/edgecore/internal/memcore/slicepool"
)

const alignment = 32

func alignUp(n int) int { return (n + alignment - 1) &^ (alignment - 1) }

// Kind selects the allocation strategy of a Pool.
type Kind int

const (
	// KindDummy permits no allocations; it exists only to parent other
	// pools.
	KindDummy Kind = iota
	// KindLibc allocates each request as an individual heap chunk; Free
	// actually frees it.
	KindLibc
	// KindLinear bump-allocates from a chain of fixed-size areas.
	KindLinear
	// KindSlice is like Linear, but areas come from (and return to) a
	// slicepool.Pool.
	KindSlice
)

// preferLibc is flipped by the memchecker build tag: under it, NewLinear
// and NewSlice transparently become NewLibc so every allocation is
// individually trackable by external leak checkers.
var preferLibc = false

const defaultAreaSize = 4096

type linearArea struct {
	buf   []byte
	used  int
	slice *slicepool.Allocation // non-nil only for KindSlice areas
}

// Pool is one node of the arena tree.
type Pool struct {
	mu       sync.Mutex
	name     string
	kind     Kind
	parent   *Pool
	children []*Pool
	refcount int
	major    bool
	trashed  bool

	netto int64

	slicePool *slicepool.Pool
	areaSize  int
	areas     []*linearArea // Linear/Slice; front = current bump area
	libc      [][]byte      // Libc chunks, for accounting/Free only

	leaks []*LeakDetector // debug only
}

func newPool(parent *Pool, name string, kind Kind) *Pool {
	p := &Pool{name: name, kind: kind, parent: parent, refcount: 1, areaSize: defaultAreaSize}
	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, p)
		parent.mu.Unlock()
	}
	return p
}

// NewDummy creates a pool that permits no allocations of its own.
func NewDummy(parent *Pool, name string) *Pool {
	return newPool(parent, name, KindDummy)
}

// NewLibc creates a pool whose allocations are individual heap chunks.
func NewLibc(parent *Pool, name string) *Pool {
	return newPool(parent, name, KindLibc)
}

// NewLinear creates an arena pool bump-allocating from fixed-size areas.
func NewLinear(parent *Pool, name string, initialSize int) *Pool {
	if preferLibc {
		return NewLibc(parent, name)
	}
	p := newPool(parent, name, KindLinear)
	if initialSize > 0 {
		p.areaSize = initialSize
	}
	return p
}

// NewSlice creates an arena pool whose areas are slicepool allocations.
func NewSlice(parent *Pool, name string, sp *slicepool.Pool) *Pool {
	if preferLibc {
		return NewLibc(parent, name)
	}
	p := newPool(parent, name, KindSlice)
	p.slicePool = sp
	p.areaSize = sp.SliceSize()
	return p
}

// Name returns the pool's debug name.
func (p *Pool) Name() string { return p.name }

// Kind returns the pool's allocation strategy.
func (p *Pool) Kind() Kind { return p.kind }

// MarkMajor designates this pool as a commit point: on destruction, its
// children are always moved to trash (or detached in release builds)
// rather than reparented, matching §4.D.
func (p *Pool) MarkMajor() { p.mu.Lock(); p.major = true; p.mu.Unlock() }

// Ref increments the reference count.
func (p *Pool) Ref() {
	p.mu.Lock()
	p.refcount++
	p.mu.Unlock()
}

// Unref decrements the reference count, destroying the pool when it
// reaches zero, and returns the remaining count.
func (p *Pool) Unref() int {
	p.mu.Lock()
	p.refcount--
	remaining := p.refcount
	p.mu.Unlock()
	if remaining == 0 {
		p.destroy()
	}
	return remaining
}

func (p *Pool) destroy() {
	if p.trashed {
		untrash(p)
	}
	p.mu.Lock()
	if len(p.leaks) > 0 {
		names := make([]string, 0, len(p.leaks))
		for _, l := range p.leaks {
			names = append(names, l.typeName)
		}
		p.mu.Unlock()
		panic(fmt.Sprintf("pool %q destroyed with %d live leak detector(s): %v", p.name, len(names), names))
	}
	children := p.children
	p.children = nil
	major := p.major || p.trashed
	parent := p.parent
	p.mu.Unlock()

	if major || parent == nil {
		for _, c := range children {
			Trash(c)
		}
	} else {
		parent.mu.Lock()
		for _, c := range children {
			c.mu.Lock()
			c.parent = parent
			c.mu.Unlock()
		}
		parent.children = append(parent.children, children...)
		parent.mu.Unlock()
	}
	// Children of a pool with no parent are trashed above, so they become
	// their own roots.

	if parent != nil {
		parent.mu.Lock()
		for i, c := range parent.children {
			if c == p {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}

	for _, a := range p.areas {
		if a.slice != nil {
			p.slicePool.Free(a.slice)
		}
	}
	p.areas = nil
	p.libc = nil
}

// Trash detaches a pool from the tree without destroying it; used when a
// major pool's owner is destroyed before the pool's own users are done.
// Release builds simply detach it (the caller remains responsible for
// eventually Unref'ing it); debug builds additionally keep it on a
// package-level trash list that Commit asserts is empty.
func Trash(p *Pool) {
	p.mu.Lock()
	parent := p.parent
	p.parent = nil
	p.trashed = true
	p.mu.Unlock()
	if parent != nil {
		parent.mu.Lock()
		for i, c := range parent.children {
			if c == p {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}
	trashAdd(p)
}

// Malloc returns a 32-byte-aligned buffer of n bytes from the pool's
// arena (or a fresh heap chunk for KindLibc).
func (p *Pool) Malloc(n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.kind {
	case KindDummy:
		panic(fmt.Sprintf("pool %q: dummy pools cannot allocate", p.name))
	case KindLibc:
		b := make([]byte, alignUp(n))[:n]
		p.libc = append(p.libc, b)
		p.netto += int64(n)
		return b
	default:
		return p.arenaMalloc(n)
	}
}

func (p *Pool) arenaMalloc(n int) []byte {
	aligned := alignUp(n)
	if len(p.areas) > 0 {
		cur := p.areas[0]
		if cur.used+aligned <= len(cur.buf) {
			b := cur.buf[cur.used : cur.used+n]
			cur.used += aligned
			p.netto += int64(n)
			return b
		}
	}
	// Oversized single allocations get their own right-sized area
	// inserted before (in front of) the current one, which makes it the
	// new current area; room left in the previous area is not used
	// again (§4.D).
	size := p.areaSize
	if aligned > size {
		size = aligned
	}
	a := p.newArea(size)
	p.areas = append([]*linearArea{a}, p.areas...)
	b := a.buf[0:n]
	a.used = aligned
	p.netto += int64(n)
	return b
}

func (p *Pool) newArea(size int) *linearArea {
	if p.kind == KindSlice && size <= p.slicePool.SliceSize() {
		alloc := p.slicePool.Alloc()
		return &linearArea{buf: alloc.Data, slice: alloc}
	}
	return &linearArea{buf: make([]byte, size)}
}

// Free releases an individual allocation. Only meaningful for KindLibc;
// calling it on any other kind panics (matching §3.1's "p_free is only
// meaningful for Libc").
func (p *Pool) Free(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kind != KindLibc {
		panic(fmt.Sprintf("pool %q: Free is only valid on libc pools", p.name))
	}
	for i, c := range p.libc {
		if &c[0] == &b[0] {
			p.libc = append(p.libc[:i], p.libc[i+1:]...)
			p.netto -= int64(len(b))
			return
		}
	}
}

// Memdup copies src into a fresh pool allocation.
func (p *Pool) Memdup(src []byte) []byte {
	b := p.Malloc(len(src))
	copy(b, src)
	return b
}

// Strdup copies s into a fresh pool allocation.
func (p *Pool) Strdup(s string) string {
	return string(p.Memdup([]byte(s)))
}

// Strndup copies at most n bytes of s into a fresh pool allocation.
func (p *Pool) Strndup(s string, n int) string {
	if len(s) < n {
		n = len(s)
	}
	return string(p.Memdup([]byte(s[:n])))
}

// Sprintf formats into a fresh pool allocation.
func (p *Pool) Sprintf(format string, args ...any) string {
	return p.Strdup(fmt.Sprintf(format, args...))
}

// NettoSize returns the sum of bytes requested through Malloc so far.
func (p *Pool) NettoSize() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.netto
}

// DumpLine is one row of a pool tree dump, as used by the control
// socket's DUMP_POOLS command (§6.4).
type DumpLine struct {
	Depth int
	Name  string
	Kind  Kind
	Netto int64
}

// Dump walks p's subtree depth-first and returns one DumpLine per pool,
// parents before children.
func Dump(p *Pool) []DumpLine {
	var lines []DumpLine
	var walk func(p *Pool, depth int)
	walk = func(p *Pool, depth int) {
		p.mu.Lock()
		netto := p.netto
		children := append([]*Pool(nil), p.children...)
		p.mu.Unlock()
		lines = append(lines, DumpLine{Depth: depth, Name: p.name, Kind: p.kind, Netto: netto})
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(p, 0)
	return lines
}

// LeakDetector is attached to a pool for the lifetime of some object; a
// pool destroyed while detectors remain attached is a programming bug.
type LeakDetector struct {
	pool     *Pool
	typeName string
}

// Attach links the detector to p for the duration of its lifetime.
func (d *LeakDetector) Attach(p *Pool, typeName string) {
	d.pool = p
	d.typeName = typeName
	p.mu.Lock()
	p.leaks = append(p.leaks, d)
	p.mu.Unlock()
}

// Detach unlinks the detector; call this from the owning object's
// cleanup path before it goes out of scope.
func (d *LeakDetector) Detach() {
	if d.pool == nil {
		return
	}
	p := d.pool
	d.pool = nil
	p.mu.Lock()
	for i, l := range p.leaks {
		if l == d {
			p.leaks = append(p.leaks[:i], p.leaks[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}
