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

package resourceloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cm4all/edgecore/internal/cache/filtercache"
	"github.com/cm4all/edgecore/internal/cache/httpcache"
	"github.com/cm4all/edgecore/internal/memcore/rubber"
	"github.com/cm4all/edgecore/internal/translate"
)

type stubLoader struct {
	calls  int
	status int
	header http.Header
	body   []byte
	err    error
}

func (s *stubLoader) Load(ctx context.Context, addr translate.ResourceAddress, r *http.Request) (int, http.Header, []byte, error) {
	s.calls++
	return s.status, s.header, s.body, s.err
}

func TestDirectLoadUsesUpstreamHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	d := NewDirect()
	addr := translate.ResourceAddress{Type: "http", Host: upstream.Listener.Addr().String(), Path: "/x"}
	r := httptest.NewRequest(http.MethodGet, "/x", nil)

	status, header, body, err := d.Load(context.Background(), addr, r)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if header.Get("X-Test") != "yes" {
		t.Fatalf("missing upstream header")
	}
}

func TestCachedLoadPopulatesThenHitsCache(t *testing.T) {
	r, err := rubber.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	clock := func() time.Time { return now }
	cache := httpcache.New(1<<20, clock, clock)

	next := &stubLoader{
		status: http.StatusOK,
		header: http.Header{
			"Date": {now.UTC().Format(http.TimeFormat)},
			"ETag": {`"v1"`},
		},
		body: []byte("cacheable body"),
	}
	c := &Cached{Next: next, Cache: cache, Rub: r, Now: clock}

	addr := translate.ResourceAddress{Type: "http", Host: "origin", Path: "/a"}
	req := httptest.NewRequest(http.MethodGet, "/a", nil)

	status, _, body, err := c.Load(context.Background(), addr, req)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if status != http.StatusOK || string(body) != "cacheable body" {
		t.Fatalf("unexpected first response: %d %q", status, body)
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", next.calls)
	}

	status, _, body, err = c.Load(context.Background(), addr, req)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if string(body) != "cacheable body" {
		t.Fatalf("cached body mismatch: %q", body)
	}
	if next.calls != 1 {
		t.Fatalf("expected cache hit, upstream called %d times", next.calls)
	}
}

// TestCachedLoadInvalidatesOnUnsafeMethod exercises §4.H's unsafe-method
// property: a POST against a URI with an existing cache entry drops that
// entry rather than serving it back on the next GET.
func TestCachedLoadInvalidatesOnUnsafeMethod(t *testing.T) {
	r, err := rubber.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	clock := func() time.Time { return now }
	cache := httpcache.New(1<<20, clock, clock)

	next := &stubLoader{
		status: http.StatusOK,
		header: http.Header{
			"Date": {now.UTC().Format(http.TimeFormat)},
			"ETag": {`"v1"`},
		},
		body: []byte("original body"),
	}
	c := &Cached{Next: next, Cache: cache, Rub: r, Now: clock}

	addr := translate.ResourceAddress{Type: "http", Host: "origin", Path: "/a"}
	getReq := httptest.NewRequest(http.MethodGet, "/a", nil)

	if _, _, _, err := c.Load(context.Background(), addr, getReq); err != nil {
		t.Fatalf("priming GET: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected priming GET to hit upstream once, got %d", next.calls)
	}

	postReq := httptest.NewRequest(http.MethodPost, "/a", nil)
	next.status, next.body = http.StatusOK, []byte("post response")
	if _, _, _, err := c.Load(context.Background(), addr, postReq); err != nil {
		t.Fatalf("POST: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected POST to reach upstream, got %d calls", next.calls)
	}

	next.body = []byte("should not be served, cache must be empty")
	status, _, body, err := c.Load(context.Background(), addr, getReq)
	if err != nil {
		t.Fatalf("follow-up GET: %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected the POST to have invalidated the cache entry, upstream called %d times", next.calls)
	}
	if status != http.StatusOK || string(body) != "should not be served, cache must be empty" {
		t.Fatalf("unexpected follow-up response: %d %q", status, body)
	}
}

func TestFilterLoadPopulatesThenHitsCache(t *testing.T) {
	r, err := rubber.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	clock := func() time.Time { return now }
	cache := filtercache.New(1<<20, 1<<16, time.Hour, r, clock, clock)

	next := &stubLoader{status: http.StatusOK, header: http.Header{}, body: []byte("filtered")}
	f := &Filter{
		Next:            next,
		Cache:           cache,
		SourceID:        func(r *http.Request) string { return "src" },
		User:            func(r *http.Request) string { return "alice" },
		FilterAddressID: 1,
		CacheTag:        "tagA",
	}

	addr := translate.ResourceAddress{Type: "fastcgi", Host: "origin", Path: "/b"}
	req := httptest.NewRequest(http.MethodGet, "/b", nil)

	_, _, body, err := f.Load(context.Background(), addr, req)
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}
	if string(body) != "filtered" {
		t.Fatalf("body = %q", body)
	}
	if next.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", next.calls)
	}

	_, _, body, err = f.Load(context.Background(), addr, req)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if string(body) != "filtered" {
		t.Fatalf("cached body mismatch: %q", body)
	}
	if next.calls != 1 {
		t.Fatalf("expected cache hit, upstream called %d times", next.calls)
	}
}
