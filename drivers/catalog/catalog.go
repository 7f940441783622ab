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

// Package catalog is the registration table mapping driver type names to
// constructors. Driver packages register themselves in init(), so the set of
// supported types is fixed at compile time by which packages the binary
// imports; there is no dynamic loading.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"quarry/platform/drivers/base"
)

// Constructor builds a driver handle from its configuration. Constructors
// should be cheap; expensive connectivity work belongs in TestConnection or
// lazy pool initialization.
type Constructor func(cfg *base.Config) (base.Driver, error)

var (
	mu           sync.RWMutex
	constructors = make(map[string]Constructor)
)

// Register makes a driver type available under the given name. It panics on
// duplicate registration, matching database/sql driver semantics: a duplicate
// means two packages claim the same type name and the binary is misbuilt.
func Register(typeName string, ctor Constructor) {
	mu.Lock()
	defer mu.Unlock()
	if ctor == nil {
		panic("catalog: Register constructor is nil")
	}
	if _, dup := constructors[typeName]; dup {
		panic("catalog: Register called twice for driver type " + typeName)
	}
	constructors[typeName] = ctor
}

// New constructs a driver of the named type. Unknown types are an error, not
// a panic: configuration mentioning a type the binary was not built with is
// an operator mistake.
func New(typeName string, cfg *base.Config) (base.Driver, error) {
	mu.RLock()
	ctor, ok := constructors[typeName]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("catalog: unknown driver type %q (registered: %v)", typeName, Types())
	}
	return ctor(cfg)
}

// Types returns the registered driver type names, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether a driver type is registered.
func Supported(typeName string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := constructors[typeName]
	return ok
}
