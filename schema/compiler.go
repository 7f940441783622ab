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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaFile is a single model definition file as loaded from a repository.
// FileName is relative to the repository root.
type SchemaFile struct {
	FileName string `json:"fileName"`
	Content  []byte `json:"content"`
}

// Repository loads the set of model definition files for one tenant.
type Repository interface {
	DataSchemaFiles(ctx context.Context) ([]SchemaFile, error)
}

// CompileOptions carries per-compilation inputs that are not part of the
// files themselves.
type CompileOptions struct {
	TenantID string
	Version  string
}

// CubeDefinition is one cube as declared in a model file. Member lists are
// kept as raw maps; the compiler validates structure, not member semantics.
type CubeDefinition struct {
	Name            string                   `yaml:"name" json:"name"`
	Title           string                   `yaml:"title,omitempty" json:"title,omitempty"`
	Description     string                   `yaml:"description,omitempty" json:"description,omitempty"`
	SQL             string                   `yaml:"sql,omitempty" json:"sql,omitempty"`
	SQLTable        string                   `yaml:"sql_table,omitempty" json:"sqlTable,omitempty"`
	DataSource      string                   `yaml:"data_source,omitempty" json:"dataSource,omitempty"`
	Public          *bool                    `yaml:"public,omitempty" json:"public,omitempty"`
	Measures        []map[string]interface{} `yaml:"measures,omitempty" json:"measures,omitempty"`
	Dimensions      []map[string]interface{} `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Segments        []map[string]interface{} `yaml:"segments,omitempty" json:"segments,omitempty"`
	Joins           []map[string]interface{} `yaml:"joins,omitempty" json:"joins,omitempty"`
	PreAggregations []map[string]interface{} `yaml:"pre_aggregations,omitempty" json:"preAggregations,omitempty"`
}

// CompiledSchema is the immutable result of compiling one tenant's model
// files. Instances are shared between goroutines and must not be mutated
// after compilation.
type CompiledSchema struct {
	Version    string           `json:"version"`
	CompiledAt time.Time        `json:"compiledAt"`
	FileCount  int              `json:"fileCount"`
	Cubes      []CubeDefinition `json:"cubes"`
}

// CubeNames returns the names of all compiled cubes in sorted order.
func (s *CompiledSchema) CubeNames() []string {
	names := make([]string, 0, len(s.Cubes))
	for _, c := range s.Cubes {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Cube returns the cube with the given name, if present.
func (s *CompiledSchema) Cube(name string) (*CubeDefinition, bool) {
	for i := range s.Cubes {
		if s.Cubes[i].Name == name {
			return &s.Cubes[i], true
		}
	}
	return nil, false
}

// DataSources returns the distinct data source names referenced by the
// compiled cubes. Cubes that declare no data source map to "default".
func (s *CompiledSchema) DataSources() []string {
	seen := make(map[string]struct{})
	for _, c := range s.Cubes {
		ds := c.DataSource
		if ds == "" {
			ds = "default"
		}
		seen[ds] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for ds := range seen {
		out = append(out, ds)
	}
	sort.Strings(out)
	return out
}

// Compiler turns a set of model files into a CompiledSchema.
type Compiler interface {
	Compile(ctx context.Context, files []SchemaFile, opts CompileOptions) (*CompiledSchema, error)
}

// schemaDocument is the top-level structure of one YAML model file.
type schemaDocument struct {
	Cubes []CubeDefinition `yaml:"cubes"`
}

var validCubeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// YAMLCompiler compiles YAML model files. Files with other extensions are
// ignored so repositories may hold documentation alongside models.
type YAMLCompiler struct{}

// NewYAMLCompiler creates a YAML model compiler.
func NewYAMLCompiler() *YAMLCompiler {
	return &YAMLCompiler{}
}

// Compile parses every YAML file, validates cube declarations and returns
// the combined schema. Cube names must be valid identifiers and unique
// across all files.
func (c *YAMLCompiler) Compile(ctx context.Context, files []SchemaFile, opts CompileOptions) (*CompiledSchema, error) {
	var cubes []CubeDefinition
	declaredIn := make(map[string]string)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !isSchemaFile(f.FileName) {
			continue
		}

		var doc schemaDocument
		if err := yaml.Unmarshal(f.Content, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.FileName, err)
		}

		for _, cube := range doc.Cubes {
			if cube.Name == "" {
				return nil, fmt.Errorf("parse %s: cube with empty name", f.FileName)
			}
			if !validCubeName.MatchString(cube.Name) {
				return nil, fmt.Errorf("parse %s: invalid cube name %q", f.FileName, cube.Name)
			}
			if prev, ok := declaredIn[cube.Name]; ok {
				return nil, fmt.Errorf("parse %s: cube %q already declared in %s", f.FileName, cube.Name, prev)
			}
			declaredIn[cube.Name] = f.FileName
			cubes = append(cubes, cube)
		}
	}

	sort.Slice(cubes, func(i, j int) bool { return cubes[i].Name < cubes[j].Name })

	version := opts.Version
	if version == "" {
		version = VersionFromFiles(files)
	}

	return &CompiledSchema{
		Version:    version,
		CompiledAt: time.Now(),
		FileCount:  len(files),
		Cubes:      cubes,
	}, nil
}

// VersionFromFiles derives a stable content version from a file set. The
// result is independent of file ordering and changes whenever any file name
// or content changes.
func VersionFromFiles(files []SchemaFile) string {
	sorted := make([]SchemaFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileName < sorted[j].FileName })

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f.FileName))
		h.Write([]byte{0})
		h.Write(f.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
