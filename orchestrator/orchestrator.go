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
	"fmt"

	"quarry/platform/drivers/base"
	"quarry/platform/shared/logger"
)

// ErrNoExternalStorage is returned by ExternalDriver when the orchestrator
// was built without an external-storage factory.
var ErrNoExternalStorage = errors.New("no external storage driver configured")

// Orchestrator owns the driver lifecycles for one tenant: a primary
// connection broker keyed by data-source name and an optional single-slot
// broker for the external/cache-storage driver. Instances are created lazily
// by the registry and live until explicitly released.
type Orchestrator struct {
	tenant   string
	primary  *ConnectionBroker
	external *ConnectionBroker
}

// New creates an orchestrator for a tenant. externalFactory may be nil when
// the deployment has no external cache storage.
func New(tenant string, factory DriverFactory, externalFactory ExternalDriverFactory, events logger.EventLogger) *Orchestrator {
	o := &Orchestrator{
		tenant:  tenant,
		primary: NewConnectionBroker(factory, events),
	}
	if externalFactory != nil {
		o.external = newExternalBroker(externalFactory, events)
	}
	return o
}

// Tenant returns the tenant key this orchestrator serves.
func (o *Orchestrator) Tenant() string {
	return o.tenant
}

// Driver returns the warm driver handle for a data source, acquiring it on
// first use. Concurrent callers for the same data source coalesce onto a
// single acquisition attempt.
func (o *Orchestrator) Driver(ctx context.Context, dataSource string) (base.Driver, error) {
	return o.primary.Acquire(ctx, dataSource)
}

// ExternalDriver returns the external/cache-storage driver handle.
func (o *Orchestrator) ExternalDriver(ctx context.Context) (base.Driver, error) {
	if o.external == nil {
		return nil, ErrNoExternalStorage
	}
	return o.external.Acquire(ctx, externalSlotKey)
}

// HasExternalStorage reports whether an external-storage factory was configured.
func (o *Orchestrator) HasExternalStorage() bool {
	return o.external != nil
}

// TestConnection probes the default data source and, when configured, the
// external storage. Both probes run against live handles: acquisition warms
// the slot if needed, then the handle's own connectivity check runs.
func (o *Orchestrator) TestConnection(ctx context.Context) error {
	drv, err := o.primary.Acquire(ctx, DefaultDataSource)
	if err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if err := drv.TestConnection(ctx); err != nil {
		return fmt.Errorf("primary: %w", err)
	}

	if o.external != nil {
		ext, err := o.external.Acquire(ctx, externalSlotKey)
		if err != nil {
			return fmt.Errorf("external storage: %w", err)
		}
		if err := ext.TestConnection(ctx); err != nil {
			return fmt.Errorf("external storage: %w", err)
		}
	}
	return nil
}

// ReleaseConnections releases every warm handle owned by this orchestrator,
// primary and external. Failures are joined, never short-circuited.
func (o *Orchestrator) ReleaseConnections(ctx context.Context) error {
	errs := []error{o.primary.ReleaseAll(ctx)}
	if o.external != nil {
		errs = append(errs, o.external.ReleaseAll(ctx))
	}
	return errors.Join(errs...)
}

// WarmConnections reports how many driver handles are currently resolved.
func (o *Orchestrator) WarmConnections() int {
	n := o.primary.resolvedCount()
	if o.external != nil {
		n += o.external.resolvedCount()
	}
	return n
}
