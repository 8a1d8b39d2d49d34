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

// Package httpcache implements the shared HTTP response cache: request
// and response cacheability rules, Vary-tuple matching, server-skew
// normalization, and effective-TTL capping (component H), built on top
// of internal/cache/lru and internal/memcore/rubber.
package httpcache

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cm4all/edgecore/internal/cache/lru"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
)

var cacheableStatus = map[int]bool{
	200: true, 203: true, 206: true, 300: true, 301: true, 410: true,
}

const maxCacheableBody = 512 * 1024

// ResponseInfo carries the bits of a response needed to decide on reuse
// and invalidation independent of the cached bytes themselves.
type ResponseInfo struct {
	ETag         string
	LastModified time.Time
	Expires      time.Time
	VaryNames    []string // header names from the response's Vary
	Tag          string   // translation-provided invalidation tag, if any
}

// Item is one cached HTTP response, implementing lru.Item.
type Item struct {
	URI           string
	Status        int
	Header        http.Header
	VaryValues    map[string]string // request header values at store time
	Body          *rubber.Allocation
	Info          ResponseInfo
	expiresSteady time.Time
}

func (it *Item) Key() string                { return it.URI }
func (it *Item) Size() int64                { return int64(it.Body.Size()) }
func (it *Item) ExpiresSteady() time.Time   { return it.expiresSteady }
func (it *Item) ExpiresSystem() time.Time   { return it.Info.Expires }

// IsRequestCacheable reports whether r may be served from (and populate)
// the cache. obeyNoCache gates whether Cache-Control: no-cache/no-store
// on the request bypasses the cache; callers pass false for "refresh"
// semantics like a hard browser reload.
func IsRequestCacheable(r *http.Request, obeyNoCache bool) bool {
	if r.Method != http.MethodGet || r.ContentLength > 0 {
		return false
	}
	if r.Header.Get("Range") != "" {
		return false
	}
	if r.Header.Get("Authorization") != "" {
		return false
	}
	if obeyNoCache {
		cc := r.Header.Get("Cache-Control")
		if hasDirective(cc, "no-cache") || hasDirective(cc, "no-store") {
			return false
		}
	}
	return true
}

// OnlyIfCached reports whether the request demands a cache-only response.
func OnlyIfCached(r *http.Request) bool {
	return hasDirective(r.Header.Get("Cache-Control"), "only-if-cached")
}

// IsResponseCacheable decides whether a response may be stored, and
// computes the ResponseInfo to store alongside it. now and skew are used
// to resolve Expires/max-age into an absolute, locally-normalized time.
func IsResponseCacheable(status int, header http.Header, bodyLen int64, isLocal bool, requestURI string, now time.Time, skew time.Duration) (bool, ResponseInfo) {
	if !cacheableStatus[status] {
		return false, ResponseInfo{}
	}
	if bodyLen >= 0 && bodyLen > maxCacheableBody {
		return false, ResponseInfo{}
	}
	cc := header.Get("Cache-Control")
	if hasDirective(cc, "private") || hasDirective(cc, "no-cache") || hasDirective(cc, "no-store") {
		return false, ResponseInfo{}
	}
	if header.Get("Vary") == "*" {
		return false, ResponseInfo{}
	}

	info := ResponseInfo{
		ETag: header.Get("ETag"),
		Tag:  header.Get("X-CM4all-Cache-Tag"),
	}
	if lm := header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	if v := header.Get("Vary"); v != "" {
		for _, name := range strings.Split(v, ",") {
			info.VaryNames = append(info.VaryNames, http.CanonicalHeaderKey(strings.TrimSpace(name)))
		}
	}

	hasExplicitExpiry := false
	if maxAge, ok := cacheControlMaxAge(cc); ok {
		info.Expires = now.Add(maxAge)
		hasExplicitExpiry = true
	} else if exp := header.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			info.Expires = t.Add(skew)
			hasExplicitExpiry = true
		}
	}

	if !hasExplicitExpiry {
		// No explicit freshness lifetime: cacheable only as a
		// revalidation target if it carries a validator.
		if info.ETag == "" && info.LastModified.IsZero() {
			return false, ResponseInfo{}
		}
	}

	if u, err := url.Parse(requestURI); err == nil && u.RawQuery != "" && !hasExplicitExpiry {
		return false, ResponseInfo{}
	}

	return true, info
}

func cacheControlMaxAge(cc string) (time.Duration, bool) {
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(part)
		if rest, ok := strings.CutPrefix(part, "max-age="); ok {
			if n, err := strconv.Atoi(rest); err == nil {
				return time.Duration(n) * time.Second, true
			}
		}
	}
	return 0, false
}

func hasDirective(cc, want string) bool {
	for _, part := range strings.Split(cc, ",") {
		if strings.EqualFold(strings.TrimSpace(part), want) {
			return true
		}
	}
	return false
}

// ServerSkew computes the offset to apply to server-originated absolute
// times so they line up with the local clock. isLocal requests (the
// origin runs on the same host) need no correction. A missing Date header
// on a non-local response is reported via ok=false, meaning "refuse to
// cache".
func ServerSkew(dateHeader string, now time.Time, isLocal bool) (skew time.Duration, ok bool) {
	if isLocal {
		return 0, true
	}
	if dateHeader == "" {
		return 0, false
	}
	t, err := http.ParseTime(dateHeader)
	if err != nil {
		return 0, false
	}
	return now.Sub(t), true
}

// Match reports whether item satisfies r's Vary tuple: for every header
// name the response declared via Vary, the stored value must equal the
// request's current value (absent header treated as "").
func Match(item *Item, r *http.Request) bool {
	for name, want := range item.VaryValues {
		if r.Header.Get(name) != want {
			return false
		}
	}
	return true
}

// varyValuesFor extracts the request header values named by names (the
// response's declared Vary set), for storage alongside a new Item.
func varyValuesFor(names []string, r *http.Request) map[string]string {
	if len(names) == 0 {
		return nil
	}
	vv := make(map[string]string, len(names))
	for _, n := range names {
		vv[n] = r.Header.Get(n)
	}
	return vv
}

// sessionVaryHeaders are the header names treated as "user/cookie scoped"
// for EffectiveTTL's 5-minute tier.
var sessionVaryHeaders = map[string]bool{
	"Cookie":        true,
	"Authorization": true,
}

// widgetVaryHeaders are treated as "widget-scoped" for the 30-minute tier.
var widgetVaryHeaders = map[string]bool{
	"X-Cm4all-Widget-Context": true,
	"X-Cm4all-View":           true,
}

// EffectiveTTL caps a response's freshness lifetime based on which
// headers its Vary set names, per the four-tier table: no Vary is
// trusted for up to a week, anything session-scoped gets 5 minutes,
// widget-scoped gets 30 minutes, and everything else gets an hour.
func EffectiveTTL(varyNames []string) time.Duration {
	if len(varyNames) == 0 {
		return 7 * 24 * time.Hour
	}
	for _, n := range varyNames {
		if sessionVaryHeaders[n] {
			return 5 * time.Minute
		}
	}
	for _, n := range varyNames {
		if widgetVaryHeaders[n] {
			return 30 * time.Minute
		}
	}
	return time.Hour
}

// PreferCached implements Open Question #1: when the upstream answers
// with a non-304 status but an ETag matching the cached item, the cached
// copy (body and status) should be served instead of the upstream's,
// defending against origins that resend full bodies for unmodified
// resources. Returns false when upstreamStatus is 304 (the normal
// revalidation path already handles that) or when there's no ETag match.
func PreferCached(upstreamStatus int, upstreamETag string, item *Item) bool {
	if upstreamStatus == http.StatusNotModified {
		return false
	}
	return upstreamETag != "" && upstreamETag == item.Info.ETag
}

// Cache wraps an lru.Cache with HTTP-specific insert/lookup/invalidate
// helpers.
type Cache struct {
	lru *lru.Cache
}

// New creates an HTTP response cache with the given size budget.
func New(maxSize int64, steadyClock, systemClock func() time.Time) *Cache {
	return &Cache{lru: lru.New(maxSize, steadyClock, systemClock)}
}

// Lookup finds a cached response matching r's Vary tuple.
func (c *Cache) Lookup(r *http.Request) (*Item, bool) {
	it, ok := c.lru.Get(canonicalURI(r), func(existing lru.Item) bool {
		return Match(existing.(*Item), r)
	})
	if !ok {
		return nil, false
	}
	return it.(*Item), true
}

// Store inserts resp (already determined cacheable by IsResponseCacheable)
// under the request that produced it.
func (c *Cache) Store(r *http.Request, status int, header http.Header, body *rubber.Allocation, info ResponseInfo, now func() time.Time) {
	ttl := EffectiveTTL(info.VaryNames)
	item := &Item{
		URI:           canonicalURI(r),
		Status:        status,
		Header:        header,
		VaryValues:    varyValuesFor(info.VaryNames, r),
		Body:          body,
		Info:          info,
		expiresSteady: now().Add(ttl),
	}
	c.lru.Put(item.URI, item, func(existing lru.Item) bool {
		return Match(existing.(*Item), r)
	})
}

// Invalidate purges every variant of uri; callers invoke this whenever an
// unsafe method (PUT/DELETE/POST) completes against uri.
func (c *Cache) Invalidate(method, uri string) {
	switch method {
	case http.MethodPut, http.MethodDelete, http.MethodPost:
		c.lru.RemoveMatch(uri, func(lru.Item) bool { return true })
	}
}

// Flush empties the cache wholesale.
func (c *Cache) Flush() { c.lru.Flush() }

// Run starts the periodic expiry sweep; it blocks until ctx is done.
func (c *Cache) Run(ctx context.Context) { c.lru.Run(ctx) }

func canonicalURI(r *http.Request) string { return r.URL.RequestURI() }
