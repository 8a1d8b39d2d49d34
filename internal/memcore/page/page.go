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

// Package page is the facade over anonymous, page-aligned memory mappings
// that every other memcore component is built on. It is the only package in
// the tree that is allowed to call mmap/madvise directly.
package page

import "os"

// Size is the platform page size, resolved once at process start.
var Size = os.Getpagesize()

// HugeSize is the platform huge-page size. 2 MiB is correct for the
// overwhelming majority of x86-64/arm64 Linux configurations; a more
// precise value could be read from /sys/kernel/mm/transparent_hugepage but
// the spec treats huge-page enablement as advisory, so a conservative
// constant is sufficient.
const HugeSize = 2 * 1024 * 1024

// AlignToPageSize rounds n up to the next multiple of the page size.
func AlignToPageSize(n uintptr) uintptr {
	ps := uintptr(Size)
	return (n + ps - 1) &^ (ps - 1)
}

// AlignHugePageDown rounds n down to the previous multiple of HugeSize.
func AlignHugePageDown(n uintptr) uintptr {
	const hp = uintptr(HugeSize)
	return n &^ (hp - 1)
}

// Allocator obtains and releases anonymous memory regions. Two
// implementations exist: mmapAllocator (the default) and heapAllocator
// (selected under the "memchecker" build tag), mirroring the spec's
// "Memory-checker mode replaces AllocatePages/FreePages with plain
// malloc/free so leak detectors work".
type Allocator interface {
	AllocatePages(size int) ([]byte, error)
	FreePages(b []byte) error
	EnableHugePages(b []byte)
	DiscardPages(b []byte) error
	EnablePageFork(b []byte, inherit bool)
}

// Default is the process-wide allocator used by slicepool, rubber, and
// pool. The memchecker build tag selects a heap-backed allocator here
// through newPlatformAllocator.
var Default Allocator = newPlatformAllocator()

// AllocatePages obtains a zero-filled, page-aligned region of at least
// size bytes via the process-wide Default allocator.
func AllocatePages(size int) ([]byte, error) { return Default.AllocatePages(size) }

// FreePages returns a region obtained from AllocatePages.
func FreePages(b []byte) error { return Default.FreePages(b) }

// EnableHugePages advises the kernel that b may back itself with huge
// pages. Advisory only; never fails.
func EnableHugePages(b []byte) { Default.EnableHugePages(b) }

// DiscardPages advises the kernel to drop the physical pages backing b.
// Future reads must still succeed and observe zero bytes; the virtual
// address range remains valid.
func DiscardPages(b []byte) error { return Default.DiscardPages(b) }

// EnablePageFork controls whether a forked child inherits b's physical
// pages (inherit=true) or sees them unmapped (inherit=false).
func EnablePageFork(b []byte, inherit bool) { Default.EnablePageFork(b, inherit) }
