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

// Package telemetry provides the process-wide Prometheus metrics for the
// memory/caching core: slice pool area counts, rubber fragmentation, and
// cache hit/miss/eviction counters. Safe to call from hot paths: every
// recording function is a direct counter/gauge operation, no allocation.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Slice pool (component B).
	SliceAreasTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_slice_areas_total",
		Help: "Number of slice pool areas, by pool name and list (partial/empty/full).",
	}, []string{"pool", "list"})

	// Rubber allocator (component C).
	RubberBruttoBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_rubber_brutto_bytes",
		Help: "Total bytes mapped by the rubber allocator.",
	})
	RubberNettoBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_rubber_netto_bytes",
		Help: "Bytes of the rubber allocator currently holding live data.",
	})
	RubberCompressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_rubber_compressions_total",
		Help: "Number of times the rubber allocator has been compressed.",
	})

	// Generic cache counters (component G), labeled per cache instance
	// (http/filter/nfs/translation).
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_cache_hits_total",
		Help: "Cache lookups that found a matching, unexpired item.",
	}, []string{"cache"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_cache_misses_total",
		Help: "Cache lookups that found no matching item.",
	}, []string{"cache"})
	CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_cache_evictions_total",
		Help: "Items evicted from a cache, by reason (lru/expired/invalidate).",
	}, []string{"cache", "reason"})
	CacheItems = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_cache_items",
		Help: "Number of items currently held by a cache.",
	}, []string{"cache"})
	CacheSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgecore_cache_size_bytes",
		Help: "Total charged size of items currently held by a cache.",
	}, []string{"cache"})

	// Session manager (component L).
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_sessions_active",
		Help: "Number of sessions currently tracked in memory.",
	})
	SessionsPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_sessions_purged_total",
		Help: "Sessions removed by the idle-purge sweep.",
	})

	// Request state machine (component M).
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgecore_requests_total",
		Help: "Requests handled, labeled by final HTTP status class.",
	}, []string{"status_class"})
	TranslationTurns = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgecore_translation_turns",
		Help:    "Number of translation RPC turns per request.",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	// Connection manager (component N).
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgecore_connections_active",
		Help: "Number of currently accepted connections.",
	})
	ConnectionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgecore_connections_dropped_total",
		Help: "Connections dropped at accept time because the connection cap was reached.",
	})
)

func init() {
	prometheus.MustRegister(
		SliceAreasTotal,
		RubberBruttoBytes, RubberNettoBytes, RubberCompressions,
		CacheHits, CacheMisses, CacheEvictions, CacheItems, CacheSizeBytes,
		SessionsActive, SessionsPurged,
		RequestsTotal, TranslationTurns,
		ConnectionsActive, ConnectionsDropped,
	)
}

// Handler returns the Prometheus scrape handler, mounted at /metrics by
// cmd/proxy the same way cmd/tfd-proxy mounted promhttp.Handler().
func Handler() http.Handler {
	return promhttp.Handler()
}
