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

package lru

import (
	"testing"
	"time"
)

type testItem struct {
	key           string
	size          int64
	variant       string
	expiresSteady time.Time
	expiresSystem time.Time
}

func (i testItem) Key() string              { return i.key }
func (i testItem) Size() int64              { return i.size }
func (i testItem) ExpiresSteady() time.Time { return i.expiresSteady }
func (i testItem) ExpiresSystem() time.Time { return i.expiresSystem }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func byVariant(v string) Predicate {
	return func(existing Item) bool { return existing.(testItem).variant == v }
}

func TestPutGetRoundTrip(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10, variant: "en"}, byVariant("en"))

	got, ok := c.Get("a", byVariant("en"))
	if !ok || got.(testItem).variant != "en" {
		t.Fatalf("Get = %v, %v; want en, true", got, ok)
	}
	if _, ok := c.Get("a", byVariant("fr")); ok {
		t.Fatal("Get with non-matching predicate should miss")
	}
}

func TestPutReplacesMatchingVariant(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10, variant: "en"}, byVariant("en"))
	c.Put("a", testItem{key: "a", size: 20, variant: "en"}, byVariant("en"))

	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (replace, not append)", c.Len())
	}
	if c.Size() != 20 {
		t.Fatalf("Size = %d, want 20", c.Size())
	}
}

func TestMultipleVariantsCoexist(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10, variant: "en"}, byVariant("en"))
	c.Put("a", testItem{key: "a", size: 10, variant: "fr"}, byVariant("fr"))

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestEvictionRespectsSizeBudget(t *testing.T) {
	now := time.Now()
	c := New(25, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10}, nil)
	c.Put("b", testItem{key: "b", size: 10}, nil)
	c.Put("c", testItem{key: "c", size: 10}, nil) // pushes total to 30 > 25

	if c.Size() > 25 {
		t.Fatalf("Size = %d, want <= 25", c.Size())
	}
	if _, ok := c.Get("a", nil); ok {
		t.Fatal("expected the least-recently-used item (a) to be evicted")
	}
	if _, ok := c.Get("c", nil); !ok {
		t.Fatal("expected the most recently inserted item (c) to survive")
	}
}

func TestGetTouchesLRUOrder(t *testing.T) {
	now := time.Now()
	c := New(25, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10}, nil)
	c.Put("b", testItem{key: "b", size: 10}, nil)
	c.Get("a", nil) // a is now more recently used than b
	c.Put("c", testItem{key: "c", size: 10}, nil)

	if _, ok := c.Get("b", nil); ok {
		t.Fatal("expected b (least recently touched) to be evicted, not a")
	}
	if _, ok := c.Get("a", nil); !ok {
		t.Fatal("expected a to survive since it was touched more recently")
	}
}

func TestExpiredItemsAreSkippedOnGet(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10, expiresSteady: now.Add(-time.Second)}, nil)

	if _, ok := c.Get("a", nil); ok {
		t.Fatal("expected an already-expired item to be treated as a miss")
	}
	if c.Len() != 0 {
		t.Fatal("expected the expired item to be purged on access")
	}
}

func TestRemoveIf(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10, variant: "drop"}, nil)
	c.Put("b", testItem{key: "b", size: 10, variant: "keep"}, nil)

	c.RemoveIf(func(it Item) bool { return it.(testItem).variant == "drop" })

	if _, ok := c.Get("a", nil); ok {
		t.Fatal("expected a to be removed")
	}
	if _, ok := c.Get("b", nil); !ok {
		t.Fatal("expected b to survive")
	}
}

func TestFlush(t *testing.T) {
	now := time.Now()
	c := New(1000, fixedClock(now), fixedClock(now))
	c.Put("a", testItem{key: "a", size: 10}, nil)
	c.Flush()
	if c.Len() != 0 || c.Size() != 0 {
		t.Fatal("expected Flush to empty the cache")
	}
}
