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

package schema

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeRepository struct {
	mu    sync.Mutex
	files []SchemaFile
	err   error
	calls int
}

func (r *fakeRepository) DataSchemaFiles(ctx context.Context) ([]SchemaFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := make([]SchemaFile, len(r.files))
	copy(out, r.files)
	return out, nil
}

func (r *fakeRepository) loadCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRepository) set(files []SchemaFile, err error) {
	r.mu.Lock()
	r.files = files
	r.err = err
	r.mu.Unlock()
}

func TestServiceCompileReusesResultForSameVersion(t *testing.T) {
	repo := &fakeRepository{files: []SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel)}}}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)
	svc.SetVersion("v1")

	first, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if first != second {
		t.Error("expected the cached result for an unchanged version")
	}
	if calls := repo.loadCalls(); calls != 1 {
		t.Errorf("expected 1 repository load, got %d", calls)
	}
}

func TestServiceCompileRecompilesOnVersionChange(t *testing.T) {
	repo := &fakeRepository{files: []SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel)}}}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)

	svc.SetVersion("v1")
	first, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	svc.SetVersion("v2")
	second, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if first == second {
		t.Error("expected a fresh compilation for the new version")
	}
	if second.Version != "v2" {
		t.Errorf("expected version v2, got %q", second.Version)
	}
	if calls := repo.loadCalls(); calls != 2 {
		t.Errorf("expected 2 repository loads, got %d", calls)
	}
}

func TestServiceDerivesVersionFromContent(t *testing.T) {
	files := []SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel)}}
	repo := &fakeRepository{files: files}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)

	first, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if first.Version != VersionFromFiles(files) {
		t.Errorf("expected content-derived version, got %q", first.Version)
	}

	// Unchanged content compiles nothing new, though the files are loaded
	// again to observe it.
	second, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if first != second {
		t.Error("expected the cached result for unchanged content")
	}

	changed := []SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel + "\n# edited\n")}}
	repo.set(changed, nil)

	third, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if third == second {
		t.Error("expected recompilation after content change")
	}
	if third.Version == second.Version {
		t.Error("expected a new version after content change")
	}
}

func TestServiceCompileFailureCachesNothing(t *testing.T) {
	repo := &fakeRepository{files: []SchemaFile{{FileName: "broken.yml", Content: []byte("cubes:\n  - name: [")}}}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)
	svc.SetVersion("v1")

	if _, err := svc.Compile(context.Background()); err == nil {
		t.Fatal("expected compile error")
	}
	if _, ok := svc.Compiled(); ok {
		t.Fatal("expected no cached result after a failure")
	}

	repo.set([]SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel)}}, nil)

	compiled, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if len(compiled.Cubes) != 1 {
		t.Errorf("expected 1 cube after retry, got %d", len(compiled.Cubes))
	}
}

func TestServiceRepositoryErrorSurfaced(t *testing.T) {
	repoErr := errors.New("bucket unreachable")
	repo := &fakeRepository{err: repoErr}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)
	svc.SetVersion("v1")

	_, err := svc.Compile(context.Background())
	if !errors.Is(err, repoErr) {
		t.Fatalf("expected wrapped repository error, got: %v", err)
	}
}

func TestServiceFailureKeepsPreviousResult(t *testing.T) {
	repo := &fakeRepository{files: []SchemaFile{{FileName: "orders.yml", Content: []byte(ordersModel)}}}
	svc := NewService("tenant-1", repo, NewYAMLCompiler(), nil)

	svc.SetVersion("v1")
	first, err := svc.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	svc.SetVersion("v2")
	repo.set(nil, errors.New("bucket unreachable"))
	if _, err := svc.Compile(context.Background()); err == nil {
		t.Fatal("expected failure for v2")
	}

	held, ok := svc.Compiled()
	if !ok || held != first {
		t.Error("expected the v1 result to remain after a failed recompile")
	}
}
