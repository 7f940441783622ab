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
	"sync"

	"quarry/platform/drivers/base"
	"quarry/platform/shared/logger"
)

// DefaultDataSource is the data-source name used when a caller passes "".
const DefaultDataSource = "default"

// externalSlotKey is the single slot used by external-storage brokers, which
// have no data-source dimension.
const externalSlotKey = "$external"

// ErrReleased is the outcome delivered to waiters whose acquisition attempt
// was still in flight when the broker's slots were released.
var ErrReleased = errors.New("connection broker released during acquisition")

// DriverFactory constructs the driver handle for one data source. It may
// block on I/O and may fail; the broker guarantees at most one invocation per
// slot is in flight at any time.
type DriverFactory func(ctx context.Context, dataSource string) (base.Driver, error)

// ExternalDriverFactory constructs the external/cache-storage driver handle.
type ExternalDriverFactory func(ctx context.Context) (base.Driver, error)

type slotState int

const (
	slotEmpty slotState = iota
	slotPending
	slotResolved
)

// attempt is the shared outcome of one acquisition. Fields are written
// exactly once before done is closed and read only after it is closed.
type attempt struct {
	done   chan struct{}
	driver base.Driver
	err    error
}

func (a *attempt) wait(ctx context.Context) (base.Driver, error) {
	select {
	case <-a.done:
		return a.driver, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slot is the per-data-source acquisition state machine. Transitions:
// empty -> pending -> resolved, and pending -> empty on failure. A resolved
// slot keeps its handle warm until ReleaseAll.
type slot struct {
	state   slotState
	attempt *attempt    // set while pending
	driver  base.Driver // set while resolved
}

// ConnectionBroker coalesces concurrent driver acquisitions per data source.
// All callers that arrive while an attempt is in flight receive the identical
// eventual outcome; a failed attempt resets its slot so the next caller
// starts fresh.
type ConnectionBroker struct {
	mu      sync.Mutex
	slots   map[string]*slot
	factory DriverFactory
	events  logger.EventLogger
}

// NewConnectionBroker creates a broker around a driver factory. The events
// sink receives driver release diagnostics and is handed to drivers that
// implement base.LoggerAware.
func NewConnectionBroker(factory DriverFactory, events logger.EventLogger) *ConnectionBroker {
	return &ConnectionBroker{
		slots:   make(map[string]*slot),
		factory: factory,
		events:  events,
	}
}

// newExternalBroker wraps an ExternalDriverFactory in a single-slot broker.
func newExternalBroker(factory ExternalDriverFactory, events logger.EventLogger) *ConnectionBroker {
	return NewConnectionBroker(func(ctx context.Context, _ string) (base.Driver, error) {
		return factory(ctx)
	}, events)
}

// Acquire returns the driver handle for dataSource, starting a new
// acquisition attempt only when the slot is empty. The ctx governs this
// caller's wait; the attempt itself runs detached so one waiter's
// cancellation cannot fail the others.
func (b *ConnectionBroker) Acquire(ctx context.Context, dataSource string) (base.Driver, error) {
	if dataSource == "" {
		dataSource = DefaultDataSource
	}

	b.mu.Lock()
	s := b.slots[dataSource]
	if s == nil {
		s = &slot{}
		b.slots[dataSource] = s
	}

	switch s.state {
	case slotResolved:
		drv := s.driver
		b.mu.Unlock()
		return drv, nil

	case slotPending:
		at := s.attempt
		b.mu.Unlock()
		return at.wait(ctx)
	}

	at := &attempt{done: make(chan struct{})}
	s.state = slotPending
	s.attempt = at
	b.mu.Unlock()

	go b.runAttempt(ctx, dataSource, s, at)

	return at.wait(ctx)
}

// runAttempt performs one factory invocation plus connection test and
// publishes the outcome. Exactly one runAttempt exists per pending slot.
func (b *ConnectionBroker) runAttempt(ctx context.Context, dataSource string, s *slot, at *attempt) {
	// Detach from the initiating caller: waiters may abandon the wait, the
	// attempt still resolves or resets the slot.
	ctx = context.WithoutCancel(ctx)

	drv, err := b.factory(ctx, dataSource)
	if err == nil && drv == nil {
		err = fmt.Errorf("driver factory returned nil handle for data source %q", dataSource)
	}
	if err == nil {
		if aware, ok := drv.(base.LoggerAware); ok && b.events != nil {
			aware.SetLogger(b.events)
		}
		if terr := drv.TestConnection(ctx); terr != nil {
			b.releaseQuietly(ctx, drv, dataSource)
			drv, err = nil, terr
		}
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	promDriverAcquisitions.WithLabelValues(status).Inc()

	b.mu.Lock()
	if b.slots[dataSource] != s {
		// ReleaseAll dropped the slot while this attempt was in flight.
		b.mu.Unlock()
		if drv != nil {
			b.releaseQuietly(ctx, drv, dataSource)
		}
		at.driver, at.err = nil, ErrReleased
		close(at.done)
		return
	}
	if err != nil {
		s.state = slotEmpty
		s.attempt = nil
	} else {
		s.state = slotResolved
		s.driver = drv
		s.attempt = nil
	}
	b.mu.Unlock()

	at.driver, at.err = drv, err
	close(at.done)
}

// releaseQuietly releases a partially constructed or orphaned handle.
// Release failures here are logged and swallowed, never re-raised.
func (b *ConnectionBroker) releaseQuietly(ctx context.Context, drv base.Driver, dataSource string) {
	if rerr := drv.Release(ctx); rerr != nil && b.events != nil {
		b.events.Event("Driver Release Error", map[string]interface{}{
			"dataSource": dataSource,
			"error":      base.SanitizeLogString(rerr.Error()),
		})
	}
}

// ReleaseAll releases every resolved handle and resets all slots. Pending
// attempts observe the reset when they complete and deliver ErrReleased to
// their waiters. Individual release failures are collected, not short-circuited.
func (b *ConnectionBroker) ReleaseAll(ctx context.Context) error {
	b.mu.Lock()
	resolved := make(map[string]base.Driver)
	for ds, s := range b.slots {
		if s.state == slotResolved && s.driver != nil {
			resolved[ds] = s.driver
		}
	}
	b.slots = make(map[string]*slot)
	b.mu.Unlock()

	var errs []error
	for ds, drv := range resolved {
		if err := drv.Release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", ds, err))
		}
	}
	return errors.Join(errs...)
}

// resolvedCount reports how many slots hold a warm handle.
func (b *ConnectionBroker) resolvedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.slots {
		if s.state == slotResolved {
			n++
		}
	}
	return n
}
