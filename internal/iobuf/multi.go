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

package iobuf

import (
	"container/list"

	"github.com/cm4all/edgecore/internal/memcore/slicepool"
)

// Bucket is one contiguous readable span of a MultiFifoBuffer, as
// returned by FillBucketList.
type Bucket = []byte

// MultiFifoBuffer chains an arbitrary number of SliceFifoBuffers so that
// data volumes larger than a single slice can be staged without copying
// already-written buffers around. Push always appends to the tail
// buffer, allocating a new one once the tail is full; Read/Consume always
// operate on the head.
type MultiFifoBuffer struct {
	pool *slicepool.Pool
	l    list.List // element type: *SliceFifoBuffer
}

// NewMultiFifoBuffer creates an empty chain backed by pool.
func NewMultiFifoBuffer(pool *slicepool.Pool) *MultiFifoBuffer {
	m := &MultiFifoBuffer{pool: pool}
	m.l.Init()
	return m
}

// IsEmpty reports whether there is no unread data anywhere in the chain.
func (m *MultiFifoBuffer) IsEmpty() bool {
	for e := m.l.Front(); e != nil; e = e.Next() {
		if !e.Value.(*SliceFifoBuffer).IsEmpty() {
			return false
		}
	}
	return true
}

func (m *MultiFifoBuffer) tail() *SliceFifoBuffer {
	if e := m.l.Back(); e != nil {
		return e.Value.(*SliceFifoBuffer)
	}
	return nil
}

func (m *MultiFifoBuffer) head() *SliceFifoBuffer {
	if e := m.l.Front(); e != nil {
		return e.Value.(*SliceFifoBuffer)
	}
	return nil
}

// Push appends data to the chain, allocating as many new buffers as
// necessary, and returns the number of bytes written (equal to
// len(data) unless the pool's slice size is 0).
func (m *MultiFifoBuffer) Push(data []byte) int {
	written := 0
	for len(data) > 0 {
		t := m.tail()
		if t == nil || len(t.Write()) == 0 {
			nb := &SliceFifoBuffer{}
			nb.Allocate(m.pool)
			m.l.PushBack(nb)
			t = nb
		}
		dst := t.Write()
		if len(dst) == 0 {
			// a zero-sized pool slice would spin forever; bail out.
			break
		}
		n := copy(dst, data)
		t.Append(n)
		data = data[n:]
		written += n
	}
	return written
}

// Read returns the unread bytes of the head buffer only; call Consume and
// Read again to walk across a buffer boundary.
func (m *MultiFifoBuffer) Read() []byte {
	m.dropEmptyHeads()
	if h := m.head(); h != nil {
		return h.Read()
	}
	return nil
}

// dropEmptyHeads removes and frees head buffers that have been fully
// consumed, so Read/Push always observe a chain with no leading empties.
func (m *MultiFifoBuffer) dropEmptyHeads() {
	for {
		e := m.l.Front()
		if e == nil {
			return
		}
		h := e.Value.(*SliceFifoBuffer)
		if !h.IsEmpty() {
			return
		}
		// Keep a lone empty-but-allocated buffer around for reuse instead
		// of churning allocations when a caller alternates Push/Consume on
		// a chain of length one.
		if m.l.Len() == 1 {
			return
		}
		h.Free()
		m.l.Remove(e)
	}
}

// Consume marks n bytes of the head buffer as read, freeing it once
// emptied unless it is the only buffer in the chain.
func (m *MultiFifoBuffer) Consume(n int) {
	m.dropEmptyHeads()
	h := m.head()
	if h == nil {
		return
	}
	h.Consume(n)
	m.dropEmptyHeads()
}

// Skip discards up to n unread bytes across as many buffers as needed,
// returning the number actually discarded; this is less than n exactly
// when the chain held fewer than n bytes, in which case it is empty
// afterwards.
func (m *MultiFifoBuffer) Skip(n int) int {
	skipped := 0
	for skipped < n {
		m.dropEmptyHeads()
		h := m.head()
		if h == nil {
			break
		}
		avail := h.GetAvailable()
		if avail == 0 {
			break
		}
		take := n - skipped
		if take > avail {
			take = avail
		}
		h.Consume(take)
		skipped += take
	}
	m.dropEmptyHeads()
	return skipped
}

// FillBucketList returns the chain's unread data as a sequence of
// contiguous spans, without consuming anything.
func (m *MultiFifoBuffer) FillBucketList() []Bucket {
	m.dropEmptyHeads()
	var buckets []Bucket
	for e := m.l.Front(); e != nil; e = e.Next() {
		b := e.Value.(*SliceFifoBuffer)
		if r := b.Read(); len(r) > 0 {
			buckets = append(buckets, r)
		}
	}
	return buckets
}
