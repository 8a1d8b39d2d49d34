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

//go:build singleflight_demo

// This file is not part of the default build: it demonstrates the
// at-most-once alternative to the package's default "both requests run
// the filter" behavior (§9 Open Question #2), using
// golang.org/x/sync/singleflight. It exists so the dependency is real
// and compiled somewhere, not a decorative go.mod entry.
package filtercache

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/singleflight"
)

func TestSingleflightCollapsesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	var g singleflight.Group
	var runs int32

	populateOnce := func(key, tag string) error {
		_, err, _ := g.Do(key, func() (any, error) {
			return nil, c.Populate(context.Background(), key, tag, 200, http.Header{}, func(w io.Writer) error {
				atomic.AddInt32(&runs, 1)
				_, err := w.Write([]byte("shared"))
				return err
			})
		})
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := populateOnce("shared-key", "tagA"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("filter ran %d times, want exactly 1 under singleflight", runs)
	}
}
