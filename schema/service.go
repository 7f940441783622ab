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
	"fmt"
	"sync"

	"quarry/platform/shared/logger"
)

// Service holds the compilation state for a single tenant: the repository
// its model files come from, the compiler, and the last successful result.
// Compilation failures leave the previous result in place and are retried
// on the next call.
type Service struct {
	mu         sync.Mutex
	tenantID   string
	repository Repository
	compiler   Compiler
	events     logger.EventLogger

	version  string
	compiled *CompiledSchema
}

// NewService creates a compilation service for one tenant. The events
// logger may be nil.
func NewService(tenantID string, repository Repository, compiler Compiler, events logger.EventLogger) *Service {
	return &Service{
		tenantID:   tenantID,
		repository: repository,
		compiler:   compiler,
		events:     events,
	}
}

// TenantID returns the tenant this service compiles for.
func (s *Service) TenantID() string {
	return s.tenantID
}

// SetVersion records the schema version the next Compile call should
// produce. When it differs from the version of the held result, Compile
// reloads and recompiles.
func (s *Service) SetVersion(version string) {
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
}

// Version returns the requested schema version. Empty means the version is
// derived from file contents at compile time.
func (s *Service) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Compiled returns the last successful compilation result, if any. It never
// triggers a compilation.
func (s *Service) Compiled() (*CompiledSchema, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled == nil {
		return nil, false
	}
	return s.compiled, true
}

// Compile returns the schema for the requested version, recompiling only
// when needed. With an explicit version the held result is reused without
// touching the repository; without one the files are loaded and their
// content hash decides whether a recompile is necessary.
//
// Only one compilation runs per tenant at a time. Other tenants are not
// blocked; they have their own Service.
func (s *Service) Compile(ctx context.Context) (*CompiledSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.version
	if want != "" && s.compiled != nil && s.compiled.Version == want {
		return s.compiled, nil
	}

	files, err := s.repository.DataSchemaFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema files: %w", err)
	}

	if want == "" {
		want = VersionFromFiles(files)
		if s.compiled != nil && s.compiled.Version == want {
			return s.compiled, nil
		}
	}

	compiled, err := s.compiler.Compile(ctx, files, CompileOptions{
		TenantID: s.tenantID,
		Version:  want,
	})
	if err != nil {
		return nil, err
	}

	s.compiled = compiled
	if s.events != nil {
		s.events.Event("Schema Compilation", map[string]interface{}{
			"tenantId": s.tenantID,
			"version":  compiled.Version,
			"cubes":    len(compiled.Cubes),
			"files":    compiled.FileCount,
		})
	}
	return compiled, nil
}
