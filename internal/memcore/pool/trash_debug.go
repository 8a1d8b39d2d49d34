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

//go:build pooldebug

package pool

import (
	"fmt"
	"sync"
)

var (
	trashMu   sync.Mutex
	trashList []*Pool
)

func trashAdd(p *Pool) {
	trashMu.Lock()
	trashList = append(trashList, p)
	trashMu.Unlock()
}

// Commit asserts that the global trash list is empty. Call it between
// "major" request cycles, the way the C++ original's pool_commit() does.
func Commit() {
	trashMu.Lock()
	defer trashMu.Unlock()
	if len(trashList) != 0 {
		names := make([]string, len(trashList))
		for i, p := range trashList {
			names[i] = p.name
		}
		panic(fmt.Sprintf("pool_commit: %d trashed pool(s) still outstanding: %v", len(trashList), names))
	}
}

// untrash removes p from the trash list once its last reference
// has gone away; production code reaches this only via Unref reaching 0
// on a trashed pool.
func untrash(p *Pool) {
	trashMu.Lock()
	defer trashMu.Unlock()
	for i, v := range trashList {
		if v == p {
			trashList = append(trashList[:i], trashList[i+1:]...)
			return
		}
	}
}
