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
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const serverVersion = "1.0.0"

// httpAPI is the admin/observability surface. The query-serving API lives in
// the host application; this server exposes health, readiness and the cache
// and connection controls.
type httpAPI struct {
	core    *Core
	secret  string
	started time.Time
}

func newHTTPAPI(core *Core, secret string) *httpAPI {
	return &httpAPI{
		core:    core,
		secret:  secret,
		started: time.Now(),
	}
}

func (a *httpAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	schedStats, schedRunning := a.core.SchedulerStats()

	components := map[string]interface{}{
		"compiler_cache": map[string]interface{}{
			"entries":  a.core.CacheLen(),
			"capacity": a.core.CacheCapacity(),
		},
		"registry": map[string]interface{}{
			"tenants": len(a.core.Tenants()),
		},
		"refresh_scheduler": map[string]interface{}{
			"running": schedRunning,
			"state":   schedStats.State,
		},
	}

	health := map[string]interface{}{
		"status":         "healthy",
		"service":        "quarry-server",
		"version":        serverVersion,
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(a.started).Seconds()),
		"components":     components,
	}

	sendJSON(w, http.StatusOK, health)
}

// readyHandler probes every registered tenant's connections. The default
// tenant is registered on first probe, so an otherwise idle server still
// checks its data source. All tenants passing means ready.
func (a *httpAPI) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := a.core.Orchestrator(r.Context(), nil); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	results := a.core.TestConnections(r.Context())
	connections, failed := resultStrings(results)

	status := "ready"
	code := http.StatusOK
	if failed > 0 {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	sendJSON(w, code, map[string]interface{}{
		"status":      status,
		"tenants":     len(results),
		"failed":      failed,
		"connections": connections,
	})
}

func (a *httpAPI) cacheHandler(w http.ResponseWriter, r *http.Request) {
	stats := a.core.CacheStats()

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  a.core.CacheEntries(),
		"count":    a.core.CacheLen(),
		"capacity": a.core.CacheCapacity(),
		"stats": map[string]interface{}{
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
			"hit_rate":  stats.HitRate(),
		},
	})
}

func (a *httpAPI) cacheInvalidateHandler(w http.ResponseWriter, r *http.Request) {
	dropped := a.core.ResetCaches()

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"invalidated": dropped,
	})
}

func (a *httpAPI) connectionsReleaseHandler(w http.ResponseWriter, r *http.Request) {
	results := a.core.ReleaseConnections(r.Context())
	connections, failed := resultStrings(results)

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     failed == 0,
		"tenants":     len(results),
		"failed":      failed,
		"connections": connections,
	})
}

func (a *httpAPI) connectionsTestHandler(w http.ResponseWriter, r *http.Request) {
	results := a.core.TestConnections(r.Context())
	connections, failed := resultStrings(results)

	sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     failed == 0,
		"tenants":     len(results),
		"failed":      failed,
		"connections": connections,
	})
}

// resultStrings flattens a per-tenant fan-out result for JSON and counts the
// failures.
func resultStrings(results map[string]error) (map[string]string, int) {
	out := make(map[string]string, len(results))
	failed := 0
	for tenant, err := range results {
		if err != nil {
			out[tenant] = err.Error()
			failed++
		} else {
			out[tenant] = "ok"
		}
	}
	return out, failed
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
