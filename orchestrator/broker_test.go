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
	"strings"
	"sync"
	"testing"
	"time"

	"quarry/platform/drivers/base"
	"quarry/platform/shared/logger"
)

// mockDriver counts contract calls and fails on demand.
type mockDriver struct {
	mu           sync.Mutex
	testErr      error
	releaseErr   error
	testCalls    int
	releaseCalls int
	loggerSetAt  int // value of testCalls when SetLogger ran, -1 if never
}

func newMockDriver() *mockDriver {
	return &mockDriver{loggerSetAt: -1}
}

func (d *mockDriver) TestConnection(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.testCalls++
	return d.testErr
}

func (d *mockDriver) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseCalls++
	return d.releaseErr
}

func (d *mockDriver) counts() (testCalls, releaseCalls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.testCalls, d.releaseCalls
}

// awareDriver additionally implements base.LoggerAware.
type awareDriver struct {
	mockDriver
}

func (d *awareDriver) SetLogger(events logger.EventLogger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loggerSetAt = d.testCalls
}

// scriptedFactory returns one scripted outcome per invocation and can block
// until the test opens the gate.
type scriptedFactory struct {
	mu      sync.Mutex
	calls   int
	outcome []func() (base.Driver, error)
	gate    chan struct{}
}

func (f *scriptedFactory) factory(ctx context.Context, dataSource string) (base.Driver, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.mu.Unlock()
	if idx >= len(f.outcome) {
		return nil, errors.New("factory called more times than scripted")
	}
	return f.outcome[idx]()
}

func (f *scriptedFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func nopEvents() logger.EventLogger {
	return logger.EventFunc(func(string, map[string]interface{}) {})
}

func TestAcquireCoalescing(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		gate:    make(chan struct{}),
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	const waiters = 10
	results := make([]base.Driver, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = broker.Acquire(context.Background(), "default")
		}(i)
	}

	// Let the callers pile up on the pending slot before the factory resolves.
	time.Sleep(20 * time.Millisecond)
	close(fac.gate)
	wg.Wait()

	if got := fac.callCount(); got != 1 {
		t.Fatalf("factory invoked %d times for %d concurrent callers, want 1", got, waiters)
	}
	testCalls, _ := drv.counts()
	if testCalls != 1 {
		t.Fatalf("TestConnection invoked %d times, want 1", testCalls)
	}
	for i := 0; i < waiters; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != base.Driver(drv) {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestAcquireCoalescedFailure(t *testing.T) {
	factoryErr := errors.New("dial refused")
	fac := &scriptedFactory{
		gate:    make(chan struct{}),
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return nil, factoryErr }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	const waiters = 6
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = broker.Acquire(context.Background(), "default")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(fac.gate)
	wg.Wait()

	if got := fac.callCount(); got != 1 {
		t.Fatalf("factory invoked %d times, want 1", got)
	}
	for i, err := range errs {
		if !errors.Is(err, factoryErr) {
			t.Fatalf("caller %d got %v, want shared factory error", i, err)
		}
	}
}

func TestSlotResetAfterFailure(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){
			func() (base.Driver, error) { return nil, errors.New("first attempt fails") },
			func() (base.Driver, error) { return drv, nil },
		},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	if _, err := broker.Acquire(context.Background(), "default"); err == nil {
		t.Fatal("first acquire should fail")
	}

	got, err := broker.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatalf("second acquire should start fresh and succeed, got: %v", err)
	}
	if got != base.Driver(drv) {
		t.Fatal("second acquire returned wrong handle")
	}
	if fac.callCount() != 2 {
		t.Fatalf("factory invoked %d times, want 2 (fresh attempt after failure)", fac.callCount())
	}
}

func TestFailedConnectionTestReleasesHandle(t *testing.T) {
	drv := newMockDriver()
	drv.testErr = errors.New("backend unreachable")
	fresh := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){
			func() (base.Driver, error) { return drv, nil },
			func() (base.Driver, error) { return fresh, nil },
		},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	_, err := broker.Acquire(context.Background(), "default")
	if err == nil || !strings.Contains(err.Error(), "backend unreachable") {
		t.Fatalf("expected connection-test failure, got: %v", err)
	}

	_, releases := drv.counts()
	if releases != 1 {
		t.Fatalf("partially constructed handle released %d times, want 1", releases)
	}

	// The slot reset: the next caller performs a fresh factory invocation.
	got, err := broker.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatalf("acquire after reset failed: %v", err)
	}
	if got != base.Driver(fresh) {
		t.Fatal("acquire after reset returned stale handle")
	}
}

func TestReleaseFailureDuringResetIsSwallowed(t *testing.T) {
	drv := newMockDriver()
	drv.testErr = errors.New("probe failed")
	drv.releaseErr = errors.New("release also failed")
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}

	var eventNames []string
	var evMu sync.Mutex
	events := logger.EventFunc(func(name string, params map[string]interface{}) {
		evMu.Lock()
		eventNames = append(eventNames, name)
		evMu.Unlock()
	})
	broker := NewConnectionBroker(fac.factory, events)

	_, err := broker.Acquire(context.Background(), "default")
	if err == nil || !strings.Contains(err.Error(), "probe failed") {
		t.Fatalf("caller must see the probe failure, not the release failure, got: %v", err)
	}

	evMu.Lock()
	defer evMu.Unlock()
	found := false
	for _, name := range eventNames {
		if name == "Driver Release Error" {
			found = true
		}
	}
	if !found {
		t.Error("swallowed release failure should be logged as an event")
	}
}

func TestAcquireDistinctDataSources(t *testing.T) {
	first := newMockDriver()
	second := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){
			func() (base.Driver, error) { return first, nil },
			func() (base.Driver, error) { return second, nil },
		},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	a, err := broker.Acquire(context.Background(), "orders")
	if err != nil {
		t.Fatalf("acquire orders: %v", err)
	}
	b, err := broker.Acquire(context.Background(), "events")
	if err != nil {
		t.Fatalf("acquire events: %v", err)
	}
	if a == b {
		t.Fatal("distinct data sources must not share a handle")
	}
	if fac.callCount() != 2 {
		t.Fatalf("factory invoked %d times, want 2", fac.callCount())
	}
}

func TestEmptyDataSourceUsesDefault(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	a, err := broker.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := broker.Acquire(context.Background(), DefaultDataSource)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatal(`"" and "default" should resolve to the same slot`)
	}
}

func TestWaiterCancellationDoesNotPoisonAttempt(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		gate:    make(chan struct{}),
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := broker.Acquire(ctx, "default")
		cancelled <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled waiter got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	// The attempt keeps running and resolves the slot for everyone else.
	close(fac.gate)
	got, err := broker.Acquire(context.Background(), "default")
	if err != nil {
		t.Fatalf("acquire after waiter cancellation: %v", err)
	}
	if got != base.Driver(drv) {
		t.Fatal("slot should hold the handle resolved by the detached attempt")
	}
	if fac.callCount() != 1 {
		t.Fatalf("factory invoked %d times, want 1", fac.callCount())
	}
}

func TestResolvedHandleReturnedWithoutRevalidation(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	if _, err := broker.Acquire(context.Background(), "default"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := broker.Acquire(context.Background(), "default"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	testCalls, _ := drv.counts()
	if testCalls != 1 {
		t.Fatalf("resolved slot re-validated: TestConnection ran %d times, want 1", testCalls)
	}
}

func TestLoggerAttachedBeforeConnectionTest(t *testing.T) {
	drv := &awareDriver{mockDriver: *newMockDriver()}
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	if _, err := broker.Acquire(context.Background(), "default"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	drv.mu.Lock()
	defer drv.mu.Unlock()
	if drv.loggerSetAt != 0 {
		t.Errorf("SetLogger ran after %d connection tests, want before the first", drv.loggerSetAt)
	}
}

func TestReleaseAll(t *testing.T) {
	first := newMockDriver()
	second := newMockDriver()
	again := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){
			func() (base.Driver, error) { return first, nil },
			func() (base.Driver, error) { return second, nil },
			func() (base.Driver, error) { return again, nil },
		},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	if _, err := broker.Acquire(context.Background(), "orders"); err != nil {
		t.Fatalf("acquire orders: %v", err)
	}
	if _, err := broker.Acquire(context.Background(), "events"); err != nil {
		t.Fatalf("acquire events: %v", err)
	}

	if err := broker.ReleaseAll(context.Background()); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}

	if _, releases := first.counts(); releases != 1 {
		t.Error("first handle not released")
	}
	if _, releases := second.counts(); releases != 1 {
		t.Error("second handle not released")
	}
	if broker.resolvedCount() != 0 {
		t.Error("slots should be empty after ReleaseAll")
	}

	// Fresh factory invocation after release.
	if _, err := broker.Acquire(context.Background(), "orders"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if fac.callCount() != 3 {
		t.Fatalf("factory invoked %d times, want 3", fac.callCount())
	}
}

func TestReleaseAllJoinsFailures(t *testing.T) {
	bad := newMockDriver()
	bad.releaseErr = errors.New("close failed")
	good := newMockDriver()
	fac := &scriptedFactory{
		outcome: []func() (base.Driver, error){
			func() (base.Driver, error) { return bad, nil },
			func() (base.Driver, error) { return good, nil },
		},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	if _, err := broker.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := broker.Acquire(context.Background(), "b"); err != nil {
		t.Fatalf("acquire b: %v", err)
	}

	err := broker.ReleaseAll(context.Background())
	if err == nil {
		t.Fatal("expected joined release error")
	}
	if _, releases := good.counts(); releases != 1 {
		t.Error("one failure must not prevent releasing the other handle")
	}
}

func TestReleaseAllDuringPendingAttempt(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		gate:    make(chan struct{}),
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	broker := NewConnectionBroker(fac.factory, nopEvents())

	waiter := make(chan error, 1)
	go func() {
		_, err := broker.Acquire(context.Background(), "default")
		waiter <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := broker.ReleaseAll(context.Background()); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}

	close(fac.gate)
	select {
	case err := <-waiter:
		if !errors.Is(err, ErrReleased) {
			t.Fatalf("waiter got %v, want ErrReleased", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not resolve after ReleaseAll")
	}

	// The orphaned handle must not leak.
	deadline := time.Now().Add(time.Second)
	for {
		if _, releases := drv.counts(); releases == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("orphaned handle was not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestratorExternalSingleSlot(t *testing.T) {
	ext := newMockDriver()
	var extCalls int
	var mu sync.Mutex
	externalFactory := func(ctx context.Context) (base.Driver, error) {
		mu.Lock()
		extCalls++
		mu.Unlock()
		return ext, nil
	}

	primary := newMockDriver()
	primaryFactory := func(ctx context.Context, ds string) (base.Driver, error) {
		return primary, nil
	}

	orch := New("acme", primaryFactory, externalFactory, nopEvents())

	a, err := orch.ExternalDriver(context.Background())
	if err != nil {
		t.Fatalf("external driver: %v", err)
	}
	b, err := orch.ExternalDriver(context.Background())
	if err != nil {
		t.Fatalf("external driver: %v", err)
	}
	if a != b {
		t.Fatal("external storage broker must hold a single slot")
	}
	mu.Lock()
	defer mu.Unlock()
	if extCalls != 1 {
		t.Fatalf("external factory invoked %d times, want 1", extCalls)
	}
}

func TestOrchestratorWithoutExternalStorage(t *testing.T) {
	orch := New("acme", func(ctx context.Context, ds string) (base.Driver, error) {
		return newMockDriver(), nil
	}, nil, nopEvents())

	if orch.HasExternalStorage() {
		t.Error("HasExternalStorage should be false")
	}
	if _, err := orch.ExternalDriver(context.Background()); !errors.Is(err, ErrNoExternalStorage) {
		t.Errorf("ExternalDriver = %v, want ErrNoExternalStorage", err)
	}

	// TestConnection skips the external probe entirely.
	if err := orch.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection without external storage: %v", err)
	}
}

func TestOrchestratorTestConnectionWrapsFailures(t *testing.T) {
	bad := newMockDriver()
	bad.testErr = errors.New("no route")

	orch := New("acme", func(ctx context.Context, ds string) (base.Driver, error) {
		return bad, nil
	}, nil, nopEvents())

	// Acquisition itself fails because the initial connection test fails.
	err := orch.TestConnection(context.Background())
	if err == nil || !strings.Contains(err.Error(), "primary:") {
		t.Fatalf("expected primary-labeled failure, got: %v", err)
	}

	good := newMockDriver()
	badExt := newMockDriver()
	orch = New("acme",
		func(ctx context.Context, ds string) (base.Driver, error) { return good, nil },
		func(ctx context.Context) (base.Driver, error) { return badExt, nil },
		nopEvents())

	// Break the external handle after it resolves so the probe fails.
	if _, err := orch.ExternalDriver(context.Background()); err != nil {
		t.Fatalf("warm external: %v", err)
	}
	badExt.mu.Lock()
	badExt.testErr = errors.New("cache gone")
	badExt.mu.Unlock()

	err = orch.TestConnection(context.Background())
	if err == nil || !strings.Contains(err.Error(), "external storage:") {
		t.Fatalf("expected external-labeled failure, got: %v", err)
	}
}

func TestOrchestratorEndToEndSharedHandle(t *testing.T) {
	drv := newMockDriver()
	fac := &scriptedFactory{
		gate:    make(chan struct{}),
		outcome: []func() (base.Driver, error){func() (base.Driver, error) { return drv, nil }},
	}
	orch := New("acme", fac.factory, nil, nopEvents())

	var a, b base.Driver
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, errA = orch.Driver(context.Background(), "default") }()
	go func() { defer wg.Done(); b, errB = orch.Driver(context.Background(), "default") }()

	time.Sleep(10 * time.Millisecond)
	close(fac.gate)
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("driver acquisition failed: %v / %v", errA, errB)
	}
	if a != b {
		t.Fatal("simultaneous query paths must receive the identical handle")
	}
	if fac.callCount() != 1 {
		t.Fatalf("observed %d outbound connection attempts, want 1", fac.callCount())
	}
}
