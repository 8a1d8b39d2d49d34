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

// Package filtercache caches the output of response transformations
// (filters), keyed by source/user/filter-address and tagged for group
// invalidation (component I). It shares the lru/rubber substrate with
// httpcache but is otherwise independent of it.
package filtercache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cm4all/edgecore/internal/cache/lru"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
	"github.com/cm4all/edgecore/internal/memcore/rubbersink"
)

const populateDeadline = time.Minute

// Item is one cached filter result.
type Item struct {
	key           string
	Status        int
	Header        http.Header
	Size          int64
	Body          *rubber.Allocation
	Tag           string
	expiresSteady time.Time
}

func (it *Item) Key() string              { return it.key }
func (it *Item) ExpiresSteady() time.Time { return it.expiresSteady }
func (it *Item) ExpiresSystem() time.Time { return time.Time{} }

// lru.Item requires a Size() method; Item already declares a Size field
// of the same name, so the accessor lives on this thin wrapper instead.
type lruItem struct{ *Item }

func (w lruItem) Size() int64 { return w.Item.Size }

// Key formats the composite cache key used throughout component I.
func Key(sourceID, user string, filterAddressID int64) string {
	return fmt.Sprintf("%s|%s|%d", sourceID, user, filterAddressID)
}

// Cache is the filter output cache plus its tag secondary index.
type Cache struct {
	lru         *lru.Cache
	r           *rubber.Rubber
	ttl         time.Duration
	maxItemSize uint32
	mu          sync.Mutex
	byTag       map[string]map[string]bool // tag -> set of keys
}

// New creates a filter cache with the given size budget, per-item size
// cap, and default item lifetime.
func New(maxSize int64, maxItemSize uint32, ttl time.Duration, r *rubber.Rubber, steadyClock, systemClock func() time.Time) *Cache {
	return &Cache{
		lru:         lru.New(maxSize, steadyClock, systemClock),
		r:           r,
		ttl:         ttl,
		maxItemSize: maxItemSize,
		byTag:       make(map[string]map[string]bool),
	}
}

// Lookup returns the cached item for key, if present.
func (c *Cache) Lookup(key string) (*Item, bool) {
	it, ok := c.lru.Get(key, nil)
	if !ok {
		return nil, false
	}
	return it.(lruItem).Item, true
}

// Populate runs the filter (via run, which writes its output to w) and
// captures that output into a rubber-backed cache entry, under a
// one-minute deadline that is checked between reads. The output goes only
// into the cache. When the capture stops early (output over the item size
// cap, the deadline, or an error), nothing is cached and run's further
// writes fail on the closed pipe. A cache miss-to-populate
// race between two concurrent requests for the same key is explicitly
// allowed to run the filter twice (§9 Open Question #2) — the last one to
// finish wins the cache slot.
func (c *Cache) Populate(ctx context.Context, key, tag string, status int, header http.Header, run func(w io.Writer) error) error {
	pr, pw := io.Pipe()

	var runErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		runErr = run(pw)
		pw.CloseWithError(runErr)
	}()

	sinkCtx, cancel := context.WithTimeout(ctx, populateDeadline)
	defer cancel()
	res, sinkErr := rubbersink.Feed(sinkCtx, pr, -1, c.r, c.maxItemSize)
	pr.Close()
	<-done

	if runErr != nil {
		return runErr
	}
	if sinkErr == nil && (res.Outcome == rubbersink.Done || res.Outcome == rubbersink.DoneEmpty) {
		c.insert(key, tag, status, header, res)
	}
	return nil
}

func (c *Cache) insert(key, tag string, status int, header http.Header, res rubbersink.Result) {
	item := &Item{
		key:           key,
		Status:        status,
		Header:        header,
		Size:          int64(res.Size),
		Body:          res.Alloc,
		Tag:           tag,
		expiresSteady: time.Now().Add(c.ttl),
	}
	c.lru.Put(key, lruItem{item}, nil)
	if tag != "" {
		c.mu.Lock()
		if c.byTag[tag] == nil {
			c.byTag[tag] = make(map[string]bool)
		}
		c.byTag[tag][key] = true
		c.mu.Unlock()
	}
}

// InvalidateTag removes every key that was inserted with this tag and
// forgets the tag. The tag index is only added to on insert: keys that
// already left the cache by eviction or expiry stay listed until their
// tag is invalidated or the cache is flushed.
func (c *Cache) InvalidateTag(tag string) {
	c.mu.Lock()
	keys := c.byTag[tag]
	delete(c.byTag, tag)
	c.mu.Unlock()

	for key := range keys {
		c.lru.RemoveMatch(key, func(lru.Item) bool { return true })
	}
}

// Flush empties the cache and its tag index wholesale.
func (c *Cache) Flush() {
	c.lru.Flush()
	c.mu.Lock()
	c.byTag = make(map[string]map[string]bool)
	c.mu.Unlock()
}

// Run starts the periodic expiry sweep; it blocks until ctx is done.
func (c *Cache) Run(ctx context.Context) { c.lru.Run(ctx) }
