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

// Package lru implements a generic, size-budgeted cache with LRU
// eviction, per-item expiry, and a caller-supplied match predicate that
// lets callers with a Vary-like concept store several variants under one
// key (component G). Every specialized cache in this module (HTTP
// responses, filter output, NFS file contents, translation replies) is
// built on top of this one.
package lru

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Item is anything the cache can store. ExpiresSteady is compared against
// a monotonic clock (process uptime) and is the primary expiry signal;
// ExpiresSystem is compared against wall-clock time and catches items
// whose validity is tied to a real calendar deadline. A zero time means
// "does not expire" for that axis.
type Item interface {
	Key() string
	Size() int64
	ExpiresSteady() time.Time
	ExpiresSystem() time.Time
}

// Predicate decides whether an existing cached item still satisfies a
// lookup or insert, e.g. a Vary-header comparison.
type Predicate func(existing Item) bool

type entry struct {
	item Item
	elem *list.Element // in lru
}

// Cache is a size-budgeted, LRU-evicting store of Items grouped by key,
// where each key may hold several variants distinguished by Predicate.
type Cache struct {
	mu          sync.Mutex
	maxSize     int64
	size        int64
	byKey       map[string][]*entry
	lru         *list.List // elements are *entry, front = most recently used
	steadyClock func() time.Time
	systemClock func() time.Time
}

// New creates a cache with the given size budget. steadyClock and
// systemClock are injected so tests can control expiry deterministically;
// callers normally pass the trivial wrappers around time.Now paired with
// a monotonic vs wall-clock source (time.Now satisfies both in practice
// since Go's time.Time carries a monotonic reading until serialized).
func New(maxSize int64, steadyClock, systemClock func() time.Time) *Cache {
	return &Cache{
		maxSize:     maxSize,
		byKey:       make(map[string][]*entry),
		lru:         list.New(),
		steadyClock: steadyClock,
		systemClock: systemClock,
	}
}

func (c *Cache) expired(it Item) bool {
	if t := it.ExpiresSteady(); !t.IsZero() && !c.steadyClock().Before(t) {
		return true
	}
	if t := it.ExpiresSystem(); !t.IsZero() && !c.systemClock().Before(t) {
		return true
	}
	return false
}

// Get returns the first non-expired variant under key, in insertion
// order, that satisfies match, touching its LRU position. Expired
// variants met during the scan are removed.
func (c *Cache) Get(key string, match Predicate) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	variants := c.byKey[key]
	for i := 0; i < len(variants); i++ {
		e := variants[i]
		if c.expired(e.item) {
			c.removeEntryLocked(key, i)
			variants = c.byKey[key]
			i--
			continue
		}
		if match == nil || match(e.item) {
			c.lru.MoveToFront(e.elem)
			return e.item, true
		}
	}
	return nil, false
}

// Put inserts item under key, replacing any existing variant for which
// match returns true, then evicts least-recently-used entries until the
// cache is back under its size budget.
func (c *Cache) Put(key string, item Item, match Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeMatchLocked(key, match)

	e := &entry{item: item}
	e.elem = c.lru.PushFront(e)
	c.byKey[key] = append(c.byKey[key], e)
	c.size += item.Size()

	c.evictLocked()
}

// RemoveMatch removes every variant under key satisfying match.
func (c *Cache) RemoveMatch(key string, match Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeMatchLocked(key, match)
}

func (c *Cache) removeMatchLocked(key string, match Predicate) {
	variants := c.byKey[key]
	for i := 0; i < len(variants); i++ {
		if match == nil || match(variants[i].item) {
			c.removeEntryLocked(key, i)
			variants = c.byKey[key]
			i--
		}
	}
}

// RemoveIf removes every item in the cache (any key) for which pred
// returns true.
func (c *Cache) RemoveIf(pred func(Item) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, variants := range c.byKey {
		for i := 0; i < len(variants); i++ {
			if pred(variants[i].item) {
				c.removeEntryLocked(key, i)
				variants = c.byKey[key]
				i--
			}
		}
	}
}

// Flush empties the cache unconditionally.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[string][]*entry)
	c.lru.Init()
	c.size = 0
}

// Len returns the number of items currently cached, for telemetry/tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Size returns the sum of Size() over all cached items.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// removeEntryLocked removes byKey[key][idx], keeping the slice dense; the
// caller must re-read c.byKey[key] afterwards since this may delete the
// key entirely.
func (c *Cache) removeEntryLocked(key string, idx int) {
	variants := c.byKey[key]
	e := variants[idx]
	c.lru.Remove(e.elem)
	c.size -= e.item.Size()
	variants = append(variants[:idx], variants[idx+1:]...)
	if len(variants) == 0 {
		delete(c.byKey, key)
	} else {
		c.byKey[key] = variants
	}
}

func (c *Cache) evictLocked() {
	for c.size > c.maxSize {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		key := e.item.Key()
		variants := c.byKey[key]
		for i, v := range variants {
			if v == e {
				c.removeEntryLocked(key, i)
				break
			}
		}
	}
}

// Run sweeps expired items once a minute until ctx is done, the same
// cadence as the teacher's background worker loop.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, variants := range c.byKey {
		for i := 0; i < len(variants); i++ {
			if c.expired(variants[i].item) {
				c.removeEntryLocked(key, i)
				variants = c.byKey[key]
				i--
			}
		}
	}
}
