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

// Package iobuf implements the slice-backed FIFO buffer and the
// multi-FIFO buffer built from a deque of them, used as I/O staging by
// connections (component E).
package iobuf

import "github.com/cm4all/edgecore/internal/memcore/slicepool"

// SliceFifoBuffer is a FIFO whose storage is a single, lazily allocated
// slicepool allocation. Bytes are appended at the end and consumed from
// the start; once fully consumed, the read/write cursors reset to the
// front so the whole slice is writable space again.
type SliceFifoBuffer struct {
	pool  *slicepool.Pool
	alloc *slicepool.Allocation
	start int
	end   int
}

// IsNull reports whether this buffer currently holds no allocation.
func (b *SliceFifoBuffer) IsNull() bool { return b.alloc == nil }

// IsEmpty reports whether there is no unread data, regardless of whether
// an allocation is held.
func (b *SliceFifoBuffer) IsEmpty() bool { return b.start == b.end }

// Allocate obtains a slice from pool, discarding any previously held
// allocation.
func (b *SliceFifoBuffer) Allocate(pool *slicepool.Pool) {
	b.Free()
	b.pool = pool
	b.alloc = pool.Alloc()
	b.start, b.end = 0, 0
}

// AllocateIfNull allocates only if this buffer currently holds nothing.
func (b *SliceFifoBuffer) AllocateIfNull(pool *slicepool.Pool) {
	if b.IsNull() {
		b.Allocate(pool)
	}
}

// Free returns the held allocation to its pool, if any.
func (b *SliceFifoBuffer) Free() {
	if b.alloc != nil {
		b.pool.Free(b.alloc)
		b.alloc = nil
	}
	b.start, b.end = 0, 0
}

// FreeIfEmpty frees the allocation only if there is no unread data.
func (b *SliceFifoBuffer) FreeIfEmpty() {
	if b.IsEmpty() {
		b.Free()
	}
}

// CycleIfEmpty frees and immediately reallocates an idle buffer, which
// lets the owning slice area become eligible for Compress if this was its
// last live allocation, reducing long-term fragmentation for buffers that
// go idle for long stretches.
func (b *SliceFifoBuffer) CycleIfEmpty() {
	if b.IsEmpty() && b.alloc != nil {
		pool := b.pool
		b.Free()
		b.Allocate(pool)
	}
}

// Read returns the currently unread bytes.
func (b *SliceFifoBuffer) Read() []byte {
	if b.alloc == nil {
		return nil
	}
	return b.alloc.Data[b.start:b.end]
}

// Write returns the currently writable tail of the buffer.
func (b *SliceFifoBuffer) Write() []byte {
	if b.alloc == nil {
		return nil
	}
	return b.alloc.Data[b.end:]
}

// Append records that n bytes were written into the slice returned by the
// most recent Write call.
func (b *SliceFifoBuffer) Append(n int) { b.end += n }

// Consume marks n bytes as read. Resets the cursors to the front once
// everything has been consumed, maximizing future write space.
func (b *SliceFifoBuffer) Consume(n int) {
	b.start += n
	if b.start == b.end {
		b.start, b.end = 0, 0
	}
}

// GetAvailable returns the number of unread bytes.
func (b *SliceFifoBuffer) GetAvailable() int { return b.end - b.start }

// Capacity returns the total usable size, or 0 if unallocated.
func (b *SliceFifoBuffer) Capacity() int {
	if b.alloc == nil {
		return 0
	}
	return len(b.alloc.Data)
}

// MoveFrom swaps storage with src when doing so is legal and cheaper than
// copying: the receiver must be empty, and src/dst null-state transitions
// are gated by the allow* flags, matching the three MoveFromAllow* variants
// in §4.E.
func (b *SliceFifoBuffer) MoveFrom(src *SliceFifoBuffer, allowDstNull, allowSrcNull, allowBothNull bool) bool {
	if !b.IsEmpty() {
		return false
	}
	if b.IsNull() && src.IsNull() {
		return allowBothNull
	}
	if src.IsNull() {
		if !allowSrcNull {
			return false
		}
		b.Free()
		return true
	}
	if b.IsNull() && !allowDstNull {
		return false
	}
	b.Free()
	b.pool, b.alloc, b.start, b.end = src.pool, src.alloc, src.start, src.end
	src.alloc = nil
	src.start, src.end = 0, 0
	return true
}
