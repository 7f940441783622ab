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

package catalog

import (
	"context"
	"strings"
	"testing"

	"quarry/platform/drivers/base"
)

type stubDriver struct {
	name string
}

func (d *stubDriver) TestConnection(ctx context.Context) error { return nil }
func (d *stubDriver) Release(ctx context.Context) error        { return nil }

func TestRegisterAndNew(t *testing.T) {
	Register("stub", func(cfg *base.Config) (base.Driver, error) {
		return &stubDriver{name: cfg.Name}, nil
	})

	if !Supported("stub") {
		t.Fatal("Supported(stub) = false after Register")
	}

	drv, err := New("stub", &base.Config{Name: "analytics"})
	if err != nil {
		t.Fatalf("New(stub) failed: %v", err)
	}

	stub, ok := drv.(*stubDriver)
	if !ok {
		t.Fatalf("New returned %T, want *stubDriver", drv)
	}
	if stub.name != "analytics" {
		t.Errorf("constructor did not receive config, name = %q", stub.name)
	}
}

func TestNewUnknownType(t *testing.T) {
	_, err := New("no-such-driver", &base.Config{})
	if err == nil {
		t.Fatal("expected error for unknown driver type")
	}
	if !strings.Contains(err.Error(), "no-such-driver") {
		t.Errorf("error should name the unknown type, got: %v", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()

	ctor := func(cfg *base.Config) (base.Driver, error) { return &stubDriver{}, nil }
	Register("dup", ctor)
	Register("dup", ctor)
}

func TestRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil constructor")
		}
	}()
	Register("nil-ctor", nil)
}

func TestTypesSorted(t *testing.T) {
	Register("zeta", func(cfg *base.Config) (base.Driver, error) { return &stubDriver{}, nil })
	Register("alpha", func(cfg *base.Config) (base.Driver, error) { return &stubDriver{}, nil })

	types := Types()
	for i := 1; i < len(types); i++ {
		if types[i-1] > types[i] {
			t.Errorf("Types() not sorted: %v", types)
			break
		}
	}

	found := 0
	for _, name := range types {
		if name == "zeta" || name == "alpha" {
			found++
		}
	}
	if found != 2 {
		t.Errorf("Types() missing registered entries: %v", types)
	}
}
