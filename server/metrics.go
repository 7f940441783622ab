// Copyright 2025 Quarry
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

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRefreshRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_server_refresh_runs_total",
			Help: "Total number of refresh scheduler runs by status",
		},
		[]string{"status"},
	)
	promRefreshSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_server_refresh_skipped_ticks_total",
			Help: "Total number of scheduler ticks skipped while a run was in flight",
		},
	)
	promRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_server_refresh_duration_milliseconds",
			Help:    "Refresh run duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
	)
	promCacheHits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_cache_hits",
			Help: "Compiler cache hits since startup",
		},
	)
	promCacheMisses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_cache_misses",
			Help: "Compiler cache misses since startup",
		},
	)
	promCacheEvictions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_cache_evictions",
			Help: "Compiler services evicted since startup",
		},
	)
	promCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_cache_entries",
			Help: "Compiler services currently cached",
		},
	)
	promRegistryTenants = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_registry_tenants",
			Help: "Tenants with a live orchestrator",
		},
	)
	promConnectionsWarm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_server_connections_warm",
			Help: "Resolved driver handles across all tenants",
		},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRefreshRuns)
	prometheus.MustRegister(promRefreshSkips)
	prometheus.MustRegister(promRefreshDuration)
	prometheus.MustRegister(promCacheHits)
	prometheus.MustRegister(promCacheMisses)
	prometheus.MustRegister(promCacheEvictions)
	prometheus.MustRegister(promCacheEntries)
	prometheus.MustRegister(promRegistryTenants)
	prometheus.MustRegister(promConnectionsWarm)
}

// updateMetrics refreshes the gauge metrics from the core's counters.
func updateMetrics(core *Core) {
	stats := core.CacheStats()
	promCacheHits.Set(float64(stats.Hits))
	promCacheMisses.Set(float64(stats.Misses))
	promCacheEvictions.Set(float64(stats.Evictions))
	promCacheEntries.Set(float64(core.CacheLen()))
	promRegistryTenants.Set(float64(len(core.Tenants())))
	promConnectionsWarm.Set(float64(core.WarmConnections()))
}

// metricsUpdater polls the core every 10 seconds and mirrors its counters
// into the Prometheus gauges.
func metricsUpdater(core *Core) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		updateMetrics(core)
	}
}
