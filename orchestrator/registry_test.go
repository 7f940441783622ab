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
	"errors"
	"sync"
	"testing"

	"quarry/platform/drivers/base"
)

// testOrchestrator builds an orchestrator whose default data source resolves
// to the given driver.
func testOrchestrator(tenant string, drv base.Driver) *Orchestrator {
	return New(tenant, func(ctx context.Context, ds string) (base.Driver, error) {
		return drv, nil
	}, nil, nopEvents())
}

func TestRegistryBasicOperations(t *testing.T) {
	r := NewRegistry()

	if r.Has("acme") {
		t.Error("empty registry should not have acme")
	}
	if _, ok := r.Get("acme"); ok {
		t.Error("Get on empty registry should miss")
	}

	orch := testOrchestrator("acme", newMockDriver())
	r.Set("acme", orch)

	if !r.Has("acme") {
		t.Error("Has(acme) = false after Set")
	}
	got, ok := r.Get("acme")
	if !ok || got != orch {
		t.Error("Get(acme) did not return the stored orchestrator")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Set("globex", testOrchestrator("globex", newMockDriver()))
	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "acme" || keys[1] != "globex" {
		t.Errorf("Keys() = %v, want sorted [acme globex]", keys)
	}

	r.Delete("acme")
	if r.Has("acme") {
		t.Error("Has(acme) = true after Delete")
	}

	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", r.Len())
	}
}

func TestRegistryGetOrCreateSingleInstance(t *testing.T) {
	r := NewRegistry()

	var builds int
	var buildMu sync.Mutex
	build := func() *Orchestrator {
		buildMu.Lock()
		builds++
		buildMu.Unlock()
		return testOrchestrator("acme", newMockDriver())
	}

	const callers = 20
	results := make([]*Orchestrator, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("acme", build)
		}(i)
	}
	wg.Wait()

	buildMu.Lock()
	if builds != 1 {
		t.Errorf("build invoked %d times for concurrent lookups, want 1", builds)
	}
	buildMu.Unlock()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate returned distinct instances")
		}
	}
}

func TestReleaseConnectionsPartialFailure(t *testing.T) {
	r := NewRegistry()

	d1 := newMockDriver()
	d2 := newMockDriver()
	d2.releaseErr = errors.New("tenant two stuck")
	d3 := newMockDriver()

	for _, tc := range []struct {
		tenant string
		drv    *mockDriver
	}{
		{"tenant-1", d1}, {"tenant-2", d2}, {"tenant-3", d3},
	} {
		orch := testOrchestrator(tc.tenant, tc.drv)
		// Warm the handle so there is something to release.
		if _, err := orch.Driver(context.Background(), "default"); err != nil {
			t.Fatalf("warm %s: %v", tc.tenant, err)
		}
		r.Set(tc.tenant, orch)
	}

	results := r.ReleaseConnections(context.Background())

	if len(results) != 3 {
		t.Fatalf("result set has %d entries, want all 3 tenants", len(results))
	}
	if results["tenant-1"] != nil {
		t.Errorf("tenant-1 release failed: %v", results["tenant-1"])
	}
	if results["tenant-2"] == nil {
		t.Error("tenant-2 failure missing from aggregate result")
	}
	if results["tenant-3"] != nil {
		t.Errorf("tenant-3 release failed: %v", results["tenant-3"])
	}

	// Every tenant's release ran despite tenant-2 failing.
	for i, d := range []*mockDriver{d1, d2, d3} {
		if _, releases := d.counts(); releases != 1 {
			t.Errorf("driver %d released %d times, want 1", i+1, releases)
		}
	}

	if r.Len() != 0 {
		t.Errorf("registry holds %d entries after ReleaseConnections, want 0", r.Len())
	}
}

func TestTestConnectionsFullResultSet(t *testing.T) {
	r := NewRegistry()

	healthy := newMockDriver()
	broken := newMockDriver()
	broken.testErr = errors.New("connection refused")

	r.Set("healthy-tenant", testOrchestrator("healthy-tenant", healthy))
	r.Set("broken-tenant", testOrchestrator("broken-tenant", broken))

	results := r.TestConnections(context.Background())

	if len(results) != 2 {
		t.Fatalf("result set has %d entries, want 2 (no short-circuit)", len(results))
	}
	if results["healthy-tenant"] != nil {
		t.Errorf("healthy tenant reported %v", results["healthy-tenant"])
	}
	if results["broken-tenant"] == nil {
		t.Error("broken tenant missing its failure")
	}

	// Probing must not empty the registry.
	if r.Len() != 2 {
		t.Errorf("registry holds %d entries after TestConnections, want 2", r.Len())
	}
}

func TestReleaseConnectionsEmptyRegistry(t *testing.T) {
	r := NewRegistry()
	results := r.ReleaseConnections(context.Background())
	if len(results) != 0 {
		t.Errorf("expected empty result set, got %v", results)
	}
}
