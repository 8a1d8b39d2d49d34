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

//go:build !memchecker

package page

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func newPlatformAllocator() Allocator { return mmapAllocator{} }

// mmapAllocator is the production Allocator: anonymous, private mmap
// regions. slicepool treats allocation as infallible and panics on error,
// matching the spec's "aborts on mmap failure"; rubber.New returns the
// error to its caller. The interface itself returns an error so test
// doubles can simulate exhaustion.
type mmapAllocator struct{}

func (mmapAllocator) AllocatePages(size int) ([]byte, error) {
	size = int(AlignToPageSize(uintptr(size)))
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return b, nil
}

func (mmapAllocator) FreePages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("munmap %d bytes: %w", len(b), err)
	}
	return nil
}

func (mmapAllocator) EnableHugePages(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Madvise(b, unix.MADV_HUGEPAGE)
}

func (mmapAllocator) DiscardPages(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise(DONTNEED) %d bytes: %w", len(b), err)
	}
	return nil
}

func (mmapAllocator) EnablePageFork(b []byte, inherit bool) {
	if len(b) == 0 {
		return
	}
	advice := unix.MADV_DONTFORK
	if inherit {
		advice = unix.MADV_DOFORK
	}
	_ = unix.Madvise(b, advice)
}
