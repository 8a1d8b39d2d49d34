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

// Package nfscache caches small NFS file contents in a rubber allocation,
// streaming everything larger than the threshold straight through instead
// (component J).
package nfscache

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cm4all/edgecore/internal/cache/lru"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
	"github.com/cm4all/edgecore/internal/memcore/rubbersink"
)

// cacheThreshold is the largest file size this cache will store; bigger
// files are always streamed through directly.
const cacheThreshold = 512 * 1024

// Statx is the subset of file metadata the cache cares about.
type Statx struct {
	Size    int64
	ModTime time.Time
}

// NFSHandle is an open file.
type NFSHandle interface {
	Stat(ctx context.Context) (Statx, error)
	Read(ctx context.Context) (io.ReadCloser, error)
}

// NFSClient opens files by (server, export, path).
type NFSClient interface {
	Open(ctx context.Context, server, export, path string) (NFSHandle, error)
}

// Item is one cached file's contents.
type Item struct {
	key           string
	Stat          Statx
	Body          *rubber.Allocation
	expiresSteady time.Time
}

func (it *Item) Key() string              { return it.key }
func (it *Item) Size() int64              { return it.Stat.Size }
func (it *Item) ExpiresSteady() time.Time { return it.expiresSteady }
func (it *Item) ExpiresSystem() time.Time { return time.Time{} }

// Range returns the byte span [start, end) of the cached body.
func (it *Item) Range(start, end int64) []byte {
	data := it.Body.Read()
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if start > end {
		start = end
	}
	return data[start:end]
}

// Passthrough is returned by Lookup when the file is too large to cache;
// the caller must stream Body directly and close it.
type Passthrough struct {
	Body io.ReadCloser
	Stat Statx
}

func key(server, export, path string) string { return fmt.Sprintf("%s:%s%s", server, export, path) }

// Cache wraps an lru.Cache keyed by (server, export, path).
type Cache struct {
	lru *lru.Cache
	r   *rubber.Rubber
	ttl time.Duration
}

// New creates an NFS file cache with the given size budget and default
// item lifetime.
func New(maxSize int64, ttl time.Duration, r *rubber.Rubber, steadyClock, systemClock func() time.Time) *Cache {
	return &Cache{lru: lru.New(maxSize, steadyClock, systemClock), r: r, ttl: ttl}
}

// Lookup serves the file from cache on a hit; on a miss it opens, stats,
// and either caches (tee'd through a rubber sink) or reports a
// Passthrough for the caller to stream directly.
func (c *Cache) Lookup(ctx context.Context, client NFSClient, server, export, path string) (*Item, *Passthrough, error) {
	k := key(server, export, path)
	if it, ok := c.lru.Get(k, nil); ok {
		return it.(*Item), nil, nil
	}

	handle, err := client.Open(ctx, server, export, path)
	if err != nil {
		return nil, nil, err
	}
	st, err := handle.Stat(ctx)
	if err != nil {
		return nil, nil, err
	}
	body, err := handle.Read(ctx)
	if err != nil {
		return nil, nil, err
	}

	if st.Size > cacheThreshold {
		return nil, &Passthrough{Body: body, Stat: st}, nil
	}
	defer body.Close()

	res, err := rubbersink.Feed(ctx, body, st.Size, c.r, cacheThreshold)
	if err != nil {
		return nil, nil, err
	}
	switch res.Outcome {
	case rubbersink.TooLarge, rubbersink.OOM:
		// Stat lied, or the rubber allocator is full; fall back to
		// re-opening for a direct stream rather than caching a truncated
		// body.
		body2, err := handle.Read(ctx)
		if err != nil {
			return nil, nil, err
		}
		return nil, &Passthrough{Body: body2, Stat: st}, nil
	case rubbersink.DoneEmpty:
		item := &Item{key: k, Stat: st, Body: nil, expiresSteady: time.Now().Add(c.ttl)}
		c.lru.Put(k, item, nil)
		return item, nil, nil
	default:
		item := &Item{key: k, Stat: st, Body: res.Alloc, expiresSteady: time.Now().Add(c.ttl)}
		c.lru.Put(k, item, nil)
		return item, nil, nil
	}
}

// Invalidate drops the cached entry for (server, export, path), if any.
func (c *Cache) Invalidate(server, export, path string) {
	c.lru.RemoveMatch(key(server, export, path), func(lru.Item) bool { return true })
}

// Flush empties the cache wholesale.
func (c *Cache) Flush() { c.lru.Flush() }

// Run starts the periodic expiry sweep; it blocks until ctx is done.
func (c *Cache) Run(ctx context.Context) { c.lru.Run(ctx) }
