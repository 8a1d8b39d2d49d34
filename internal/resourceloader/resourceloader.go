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

// Package resourceloader composes the three loader layers §6.3 names —
// Direct, Cached, Filter — on top of a single narrow interface, the same
// way the teacher layers Logging*/Go* translation-client adapters and
// persistence.factory.go layers storage backends behind one interface.
// Each layer wraps the next; reqstate.Machine only ever sees the
// outermost one.
package resourceloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cm4all/edgecore/internal/cache/filtercache"
	"github.com/cm4all/edgecore/internal/cache/httpcache"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
	"github.com/cm4all/edgecore/internal/translate"
)

// Loader matches reqstate.ResourceLoader's method set without importing
// reqstate (reqstate already depends on nothing in this package, so the
// dependency only runs one way: cmd/proxy wires a Loader into
// reqstate.Config).
type Loader interface {
	Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (status int, header http.Header, body []byte, err error)
}

// Direct fetches HTTP, LHTTP, FastCGI, CGI and WAS addresses over plain
// HTTP. The real protocol adapters for FastCGI/CGI/WAS are out of scope
// (§1 non-goals: "modeled as resource loaders with a uniform SendRequest
// interface") — Direct treats every non-local, non-NFS address type as an
// HTTP round trip to addr.Host+addr.Path, which is sufficient to exercise
// the dispatch, cache and transformation layers end to end.
type Direct struct {
	Client *http.Client
}

// NewDirect builds a Direct loader with a sane default client timeout.
func NewDirect() *Direct {
	return &Direct{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (d *Direct) Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (int, http.Header, []byte, error) {
	url := "http://" + addr.Host + addr.Path
	method := r.Method
	var body io.Reader
	if r.Body != nil && method != http.MethodGet && method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("resourceloader: build request: %w", err)
	}
	req.Header = r.Header.Clone()

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("resourceloader: upstream request: %w", err)
	}
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("resourceloader: read upstream body: %w", err)
	}
	return resp.StatusCode, resp.Header, buf, nil
}

// Cached wraps another Loader with the HTTP response cache (component H).
// Only "HTTP"-family addresses go through the cache; "nfs" and "local" are
// handled elsewhere in the dispatch table (§4.M step 7) and never reach
// here.
type Cached struct {
	Next  Loader
	Cache *httpcache.Cache
	Rub   *rubber.Rubber
	Now   func() time.Time
}

func (c *Cached) Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (int, http.Header, []byte, error) {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	obeyNoCache := true
	if httpcache.IsRequestCacheable(r, obeyNoCache) {
		if item, ok := c.Cache.Lookup(r); ok {
			return item.Status, item.Header, item.Body.Read(), nil
		}
		if httpcache.OnlyIfCached(r) {
			return 0, nil, nil, fmt.Errorf("resourceloader: only-if-cached miss")
		}
	}

	// §4.H: an unsafe method (PUT/DELETE/POST) invalidates any cached
	// response for this URI before the upstream is even contacted, so a
	// request that never completes (or errors) still can't leave a stale
	// entry being served afterward.
	c.Cache.Invalidate(r.Method, r.URL.RequestURI())

	status, header, body, err := c.Next.Load(ctx, addr, r)
	if err != nil {
		return 0, nil, nil, err
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		// Only safe methods ever populate the cache; Invalidate above
		// already dropped whatever this URI held.
		return status, header, body, nil
	}

	isLocal := addr.Type == "local"
	skew := time.Duration(0)
	if !isLocal {
		var ok bool
		skew, ok = httpcache.ServerSkew(header.Get("Date"), now(), isLocal)
		if !ok {
			// No usable Date header from a remote origin: §4.H says
			// refuse to cache rather than guess at skew.
			return status, header, body, nil
		}
	}

	cacheable, info := httpcache.IsResponseCacheable(status, header, int64(len(body)), isLocal, r.URL.RequestURI(), now(), skew)
	if !cacheable {
		return status, header, body, nil
	}
	if id := c.Rub.Add(uint32(len(body))); id != 0 {
		alloc := rubber.NewAllocation(c.Rub, id)
		copy(alloc.Write(), body)
		c.Cache.Store(r, status, header, alloc, info, now)
	}
	return status, header, body, nil
}

// Filter wraps another Loader with the filter-output cache (component I):
// the body Next returns is teed into a rubber-backed cache entry keyed by
// (sourceID, user, filterAddressID), tagged for group invalidation by the
// translation server's cache_tag.
type Filter struct {
	Next            Loader
	Cache           *filtercache.Cache
	SourceID        func(r *http.Request) string
	User            func(r *http.Request) string
	FilterAddressID int64
	CacheTag        string
}

func (f *Filter) Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (int, http.Header, []byte, error) {
	sourceID := ""
	if f.SourceID != nil {
		sourceID = f.SourceID(r)
	}
	user := ""
	if f.User != nil {
		user = f.User(r)
	}
	key := filtercache.Key(sourceID, user, f.FilterAddressID)

	if item, ok := f.Cache.Lookup(key); ok {
		body := []byte(nil)
		if item.Body != nil {
			body = item.Body.Read()
		}
		return item.Status, item.Header, body, nil
	}

	status, header, body, err := f.Next.Load(ctx, addr, r)
	if err != nil {
		return 0, nil, nil, err
	}

	// §4.I: the caller's copy is authoritative; caching is best-effort and
	// must never fail the request.
	_ = f.Cache.Populate(ctx, key, f.CacheTag, status, header, func(w io.Writer) error {
		_, werr := w.Write(body)
		return werr
	})
	return status, header, body, nil
}
