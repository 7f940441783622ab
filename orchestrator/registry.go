// Copyright 2025 Quarry
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
)

// Registry owns one orchestrator per tenant key.
// Thread-safe for concurrent access.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]*Orchestrator
	logger        *log.Logger
}

// NewRegistry creates an empty orchestrator registry.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]*Orchestrator),
		logger:        log.New(os.Stdout, "[ORCH_REGISTRY] ", log.LstdFlags),
	}
}

// Has reports whether a tenant key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.orchestrators[key]
	return ok
}

// Get returns the orchestrator for a tenant key.
func (r *Registry) Get(key string) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[key]
	return o, ok
}

// Set stores an orchestrator under a tenant key, replacing any previous one.
// Callers replacing an instance are responsible for releasing the old one.
func (r *Registry) Set(key string, o *Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrators[key] = o
}

// GetOrCreate returns the orchestrator for a tenant key, building it under
// the registry lock when absent. The double-check means concurrent first
// lookups for the same tenant still observe a single instance.
func (r *Registry) GetOrCreate(key string, build func() *Orchestrator) *Orchestrator {
	r.mu.RLock()
	o, ok := r.orchestrators[key]
	r.mu.RUnlock()
	if ok {
		return o
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orchestrators[key]; ok {
		return o
	}

	o = build()
	r.orchestrators[key] = o
	r.logger.Printf("Created orchestrator for tenant '%s'", key)
	return o
}

// Delete removes a tenant's orchestrator without releasing its connections.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orchestrators, key)
}

// Clear drops all entries without attempting release. Used when callers have
// already handled release, as ReleaseConnections does.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrators = make(map[string]*Orchestrator)
}

// Len returns the number of registered tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orchestrators)
}

// Keys returns the registered tenant keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.orchestrators))
	for key := range r.orchestrators {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ReleaseConnections fans out a release to every registered orchestrator
// concurrently and returns the complete per-tenant result set (nil entry =
// released cleanly). The registry is emptied afterwards even when individual
// releases fail.
func (r *Registry) ReleaseConnections(ctx context.Context) map[string]error {
	snapshot := r.snapshot()

	results := make(map[string]error, len(snapshot))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for key, orch := range snapshot {
		wg.Add(1)
		go func(key string, orch *Orchestrator) {
			defer wg.Done()
			err := orch.ReleaseConnections(ctx)
			if err != nil {
				r.logger.Printf("Release failed for tenant '%s': %v", key, err)
			}
			resMu.Lock()
			results[key] = err
			resMu.Unlock()
		}(key, orch)
	}
	wg.Wait()

	r.Clear()
	r.logger.Printf("Released connections for %d tenant(s)", len(snapshot))
	return results
}

// TestConnections fans out a connectivity probe to every registered
// orchestrator concurrently and returns the complete per-tenant result set.
// No short-circuit on first failure: readiness reporting needs every outcome.
func (r *Registry) TestConnections(ctx context.Context) map[string]error {
	snapshot := r.snapshot()

	results := make(map[string]error, len(snapshot))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for key, orch := range snapshot {
		wg.Add(1)
		go func(key string, orch *Orchestrator) {
			defer wg.Done()
			err := orch.TestConnection(ctx)
			resMu.Lock()
			results[key] = err
			resMu.Unlock()
		}(key, orch)
	}
	wg.Wait()

	return results
}

func (r *Registry) snapshot() map[string]*Orchestrator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]*Orchestrator, len(r.orchestrators))
	for key, orch := range r.orchestrators {
		snapshot[key] = orch
	}
	return snapshot
}
