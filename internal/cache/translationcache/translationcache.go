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

// Package translationcache caches translation-service decisions by
// request fingerprint, with tag- and prefix-based invalidation and an
// optional Redis pub/sub fan-out for cross-process invalidation
// (component K). The cache itself is sharded across buckets chosen by
// rendezvous hashing of the fingerprint, so a future multi-worker
// deployment can steer invalidation traffic at the shard that owns a key
// without broadcasting to all of them.
package translationcache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	rendezvous "github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"

	"github.com/cm4all/edgecore/internal/cache/lru"
	"github.com/cm4all/edgecore/internal/translate"
)

// Fingerprint computes a stable hash over the subset of a translation
// request that participates in cache keying.
func Fingerprint(req *translate.Request) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		req.ListenerTag, req.Host, req.URI, req.UserAgentClass, req.Language, req.SessionToken)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Item is one cached translation response.
type Item struct {
	key           string
	Response      *translate.Response
	VaryCommands  map[string]string // the request field values that formed the key
	Site          string
	expiresSteady time.Time
}

func (it *Item) Key() string              { return it.key }
func (it *Item) Size() int64              { return 1 } // fixed cost; real sizing is left to maxItems below
func (it *Item) ExpiresSteady() time.Time { return it.expiresSteady }
func (it *Item) ExpiresSystem() time.Time { return time.Time{} }

type shard struct {
	mu    sync.Mutex
	lru   *lru.Cache
	byTag map[string]map[string]bool
}

// Cache shards its storage across n buckets to reduce lock contention.
type Cache struct {
	shards []*shard
	chooser *rendezvous.Rendezvous
	ttl     time.Duration
}

// New creates a translation cache with n shards (each independently
// budgeted to maxItemsPerShard) and a default item lifetime.
func New(n int, maxItemsPerShard int64, ttl time.Duration, steadyClock, systemClock func() time.Time) *Cache {
	names := make([]string, n)
	shards := make([]*shard, n)
	for i := range shards {
		names[i] = fmt.Sprintf("shard-%d", i)
		shards[i] = &shard{
			lru:   lru.New(maxItemsPerShard, steadyClock, systemClock),
			byTag: make(map[string]map[string]bool),
		}
	}
	return &Cache{
		shards:  shards,
		chooser: rendezvous.New(names, hashString),
		ttl:     ttl,
	}
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func (c *Cache) shardFor(fingerprint string) *shard {
	name := c.chooser.Lookup(fingerprint)
	for i, s := range c.shards {
		if fmt.Sprintf("shard-%d", i) == name {
			return s
		}
	}
	return c.shards[0]
}

// Lookup returns the cached translation response for fingerprint, if any.
func (c *Cache) Lookup(fingerprint string) (*Item, bool) {
	s := c.shardFor(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lru.Get(fingerprint, nil)
	if !ok {
		return nil, false
	}
	return it.(*Item), true
}

// Put inserts resp under fingerprint, tagged for later invalidation.
func (c *Cache) Put(fingerprint string, resp *translate.Response, varyCommands map[string]string, site, tag string) {
	s := c.shardFor(fingerprint)
	item := &Item{
		key:           fingerprint,
		Response:      resp,
		VaryCommands:  varyCommands,
		Site:          site,
		expiresSteady: time.Now().Add(c.ttl),
	}
	s.mu.Lock()
	s.lru.Put(fingerprint, item, nil)
	if tag != "" {
		if s.byTag[tag] == nil {
			s.byTag[tag] = make(map[string]bool)
		}
		s.byTag[tag][fingerprint] = true
	}
	s.mu.Unlock()
}

// InvalidateTag drops every item in every shard whose response declared
// this tag.
func (c *Cache) InvalidateTag(tag string) {
	for _, s := range c.shards {
		s.mu.Lock()
		keys := s.byTag[tag]
		delete(s.byTag, tag)
		s.mu.Unlock()
		for key := range keys {
			s.lru.RemoveMatch(key, func(lru.Item) bool { return true })
		}
	}
}

// InvalidatePrefix drops every item across all shards where, for each
// name in varyCommands, reqSubset[name] equals the stored VaryCommands
// value, and Site matches.
func (c *Cache) InvalidatePrefix(reqSubset map[string]string, varyCommands []string, site string) {
	for _, s := range c.shards {
		s.lru.RemoveIf(func(it lru.Item) bool {
			item := it.(*Item)
			if item.Site != site {
				return false
			}
			for _, name := range varyCommands {
				if item.VaryCommands[name] != reqSubset[name] {
					return false
				}
			}
			return true
		})
	}
}

// Flush empties every shard.
func (c *Cache) Flush() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Flush()
		s.byTag = make(map[string]map[string]bool)
		s.mu.Unlock()
	}
}

// Run starts the periodic expiry sweep on every shard; it blocks until
// ctx is done.
func (c *Cache) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range c.shards {
		wg.Add(1)
		go func(s *shard) {
			defer wg.Done()
			s.lru.Run(ctx)
		}(s)
	}
	wg.Wait()
}

// invalidationMessage is the payload published/subscribed over Redis for
// cross-process tag invalidation.
type invalidationMessage struct {
	Tag string `json:"tag"`
}

// invalidationChannel is the Redis pub/sub channel used for fan-out.
const invalidationChannel = "edgecore:tcache:invalidate"

// PublishInvalidation announces that tag should be invalidated by every
// process subscribed to the same Redis instance.
func PublishInvalidation(ctx context.Context, rdb *redis.Client, tag string) error {
	payload, err := json.Marshal(invalidationMessage{Tag: tag})
	if err != nil {
		return err
	}
	return rdb.Publish(ctx, invalidationChannel, payload).Err()
}

// Subscribe invalidates this cache's tags as announcements arrive over
// Redis; it blocks until ctx is done.
func (c *Cache) Subscribe(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, invalidationChannel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m invalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			c.InvalidateTag(m.Tag)
		}
	}
}
