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

//go:build memchecker

package page

// heapAllocator backs every "page" allocation with a plain Go heap slice,
// so tools like the race detector and external leak checkers can see each
// allocation individually. Selected by the memchecker build tag, mirroring
// the spec's memory-checker mode.
type heapAllocator struct{}

func newPlatformAllocator() Allocator { return heapAllocator{} }

func (heapAllocator) AllocatePages(size int) ([]byte, error) {
	size = int(AlignToPageSize(uintptr(size)))
	return make([]byte, size), nil
}

func (heapAllocator) FreePages(b []byte) error { return nil }

func (heapAllocator) EnableHugePages(b []byte) {}

func (heapAllocator) DiscardPages(b []byte) error {
	for i := range b {
		b[i] = 0
	}
	return nil
}

func (heapAllocator) EnablePageFork(b []byte, inherit bool) {}
