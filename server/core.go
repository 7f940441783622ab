// Copyright 2025 Quarry
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"quarry/platform/drivers/base"
	"quarry/platform/orchestrator"
	"quarry/platform/schema"
	"quarry/platform/shared/logger"
)

// ErrCoreClosed is returned by lookups after Shutdown.
var ErrCoreClosed = errors.New("core is shut down")

// TenantKeyFunc reduces a request context to the tenant key that partitions
// the compiler cache and the orchestrator registry. It must be pure and
// deterministic per logical tenant: two contexts with the same key observe
// the same cached artifact and the same orchestrator.
type TenantKeyFunc func(rc *RequestContext) string

// SchemaVersionFunc recomputes the tenant's schema version. It runs on every
// compiler-service lookup; an empty version means content-derived.
type SchemaVersionFunc func(ctx context.Context, rc *RequestContext) (string, error)

// RepositoryFactory builds the schema repository for a tenant.
type RepositoryFactory func(ctx context.Context, rc *RequestContext) (schema.Repository, error)

// DriverFactoryFunc constructs the primary driver handle for a tenant and
// data source. It may block on I/O and may fail; the connection broker
// guarantees at most one invocation per slot is in flight.
type DriverFactoryFunc func(ctx context.Context, rc *RequestContext, dataSource string) (base.Driver, error)

// ExternalDriverFactoryFunc constructs the external/cache-storage driver.
type ExternalDriverFactoryFunc func(ctx context.Context, rc *RequestContext) (base.Driver, error)

// BackgroundContextsFunc enumerates the contexts a scheduled refresh cycle
// iterates. Each is normalized before use; a nil entry stands for the
// default tenant.
type BackgroundContextsFunc func(ctx context.Context) ([]*RequestContext, error)

// RefreshTaskFunc refreshes one tenant during a scheduled cycle.
type RefreshTaskFunc func(ctx context.Context, rc *RequestContext) error

// Options configures a Core. DriverFactory and Repository are required;
// everything else has a working default.
type Options struct {
	Logger logger.EventLogger

	// Cache bounds the per-tenant compiler services.
	Cache schema.CacheOptions

	Compiler              schema.Compiler
	TenantKey             TenantKeyFunc
	SchemaVersion         SchemaVersionFunc
	Repository            RepositoryFactory
	DriverFactory         DriverFactoryFunc
	ExternalDriverFactory ExternalDriverFactoryFunc
	BackgroundContexts    BackgroundContextsFunc
	RefreshTask           RefreshTaskFunc

	// RefreshInterval is the scheduler period. LongExecutionThreshold flags
	// overrunning cycles slower than it and defaults to the interval.
	RefreshInterval        time.Duration
	LongExecutionThreshold time.Duration

	// DefaultTenant keys requests that carry no tenant_id claim.
	DefaultTenant string
}

// Core is the coordinator for the runtime: it turns a request context into a
// cached compiler service and a live orchestrator, and drives the background
// refresh scheduler. Construct with NewCore; Shutdown releases everything it
// owns. All methods are safe for concurrent use.
type Core struct {
	log      logger.EventLogger
	cache    *schema.CompilerCache
	registry *orchestrator.Registry
	norm     *ContextNormalizer
	compiler schema.Compiler

	tenantKey             TenantKeyFunc
	schemaVersion         SchemaVersionFunc
	repository            RepositoryFactory
	driverFactory         DriverFactoryFunc
	externalDriverFactory ExternalDriverFactoryFunc
	backgroundContexts    BackgroundContextsFunc
	refreshTask           RefreshTaskFunc

	refreshInterval time.Duration
	longThreshold   time.Duration

	// serviceMu serializes compiler-service creation on cache miss so
	// concurrent first lookups for one tenant build a single service.
	serviceMu sync.Mutex

	mu        sync.Mutex
	scheduler *RefreshScheduler
	closed    bool
}

// NewCore wires the compiler cache, the orchestrator registry, the context
// normalizer and the scheduler hooks into one coordinator.
func NewCore(opts Options) (*Core, error) {
	if opts.DriverFactory == nil {
		return nil, fmt.Errorf("driver factory is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("repository factory is required")
	}

	log := opts.Logger
	if log == nil {
		log = logger.New("quarry-core")
	}
	compiler := opts.Compiler
	if compiler == nil {
		compiler = schema.NewYAMLCompiler()
	}
	defaultTenant := opts.DefaultTenant
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	refreshInterval := opts.RefreshInterval
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}

	c := &Core{
		log:                   log,
		cache:                 schema.NewCompilerCache(opts.Cache),
		registry:              orchestrator.NewRegistry(),
		norm:                  NewContextNormalizer(log),
		compiler:              compiler,
		tenantKey:             opts.TenantKey,
		schemaVersion:         opts.SchemaVersion,
		repository:            opts.Repository,
		driverFactory:         opts.DriverFactory,
		externalDriverFactory: opts.ExternalDriverFactory,
		backgroundContexts:    opts.BackgroundContexts,
		refreshTask:           opts.RefreshTask,
		refreshInterval:       refreshInterval,
		longThreshold:         opts.LongExecutionThreshold,
	}

	if c.tenantKey == nil {
		c.tenantKey = func(rc *RequestContext) string {
			if tenant := rc.SecurityString("tenant_id"); tenant != "" {
				return tenant
			}
			return defaultTenant
		}
	}
	if c.schemaVersion == nil {
		c.schemaVersion = func(context.Context, *RequestContext) (string, error) {
			return "", nil
		}
	}
	if c.backgroundContexts == nil {
		c.backgroundContexts = func(context.Context) ([]*RequestContext, error) {
			return []*RequestContext{nil}, nil
		}
	}
	if c.refreshTask == nil {
		c.refreshTask = c.warmTenant
	}

	return c, nil
}

// TenantKey resolves the tenant key for a request context.
func (c *Core) TenantKey(rc *RequestContext) string {
	return c.tenantKey(rc)
}

// Normalize reconciles the legacy authInfo field with securityContext on an
// inbound request context. See ContextNormalizer.
func (c *Core) Normalize(rc *RequestContext) *RequestContext {
	return c.norm.Normalize(rc)
}

// CompilerService returns the tenant's compiler service, building and
// caching it on first lookup. The schema version is recomputed on every call
// and handed to the service, which decides whether to recompile; a version
// change never evicts the cache entry.
func (c *Core) CompilerService(ctx context.Context, rc *RequestContext) (*schema.Service, error) {
	if c.isClosed() {
		return nil, ErrCoreClosed
	}

	key := c.tenantKey(rc)
	version, err := c.schemaVersion(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("resolve schema version for %s: %w", key, err)
	}

	if svc, ok := c.cache.Get(key); ok {
		svc.SetVersion(version)
		return svc, nil
	}

	c.serviceMu.Lock()
	defer c.serviceMu.Unlock()
	if svc, ok := c.cache.Get(key); ok {
		svc.SetVersion(version)
		return svc, nil
	}

	repo, err := c.repository(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("build schema repository for %s: %w", key, err)
	}

	svc := schema.NewService(key, repo, c.compiler, c.log)
	svc.SetVersion(version)
	c.cache.Put(key, svc)
	return svc, nil
}

// Orchestrator returns the tenant's orchestrator, creating it on first
// lookup. The driver factories capture the creating request context; later
// requests for the same tenant share the instance and its warm handles until
// the registry releases them.
func (c *Core) Orchestrator(ctx context.Context, rc *RequestContext) (*orchestrator.Orchestrator, error) {
	if c.isClosed() {
		return nil, ErrCoreClosed
	}

	key := c.tenantKey(rc)
	orch := c.registry.GetOrCreate(key, func() *orchestrator.Orchestrator {
		factory := func(ctx context.Context, dataSource string) (base.Driver, error) {
			return c.driverFactory(ctx, rc, dataSource)
		}
		var external orchestrator.ExternalDriverFactory
		if c.externalDriverFactory != nil {
			external = func(ctx context.Context) (base.Driver, error) {
				return c.externalDriverFactory(ctx, rc)
			}
		}
		return orchestrator.New(key, factory, external, c.log)
	})
	return orch, nil
}

// StartRefreshScheduler begins the background refresh cycle. Starting twice
// without stopping in between is an error.
func (c *Core) StartRefreshScheduler() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	if c.scheduler != nil {
		return fmt.Errorf("refresh scheduler already running")
	}

	s := NewRefreshScheduler(c.refreshInterval, c.longThreshold, c.runScheduledRefresh, c.log)
	if err := s.Start(); err != nil {
		return err
	}
	c.scheduler = s
	return nil
}

// StopRefreshScheduler cancels the running scheduler. graceful=true waits
// for an in-flight cycle to complete; graceful=false cancels its context and
// returns immediately. Stopping a stopped scheduler is a no-op.
func (c *Core) StopRefreshScheduler(graceful bool) {
	c.mu.Lock()
	s := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if s != nil {
		s.Cancel(graceful)
	}
}

// runScheduledRefresh is one scheduler cycle: enumerate the background
// contexts, normalize each, then run the refresh task per tenant. One
// tenant's failure is logged and never stops the others.
func (c *Core) runScheduledRefresh(ctx context.Context) error {
	contexts, err := c.backgroundContexts(ctx)
	if err != nil {
		return fmt.Errorf("enumerate background contexts: %w", err)
	}

	for _, rc := range contexts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc = c.norm.Normalize(rc)
		if err := c.refreshTask(ctx, rc); err != nil {
			c.log.Event("Refresh Scheduler Error", map[string]interface{}{
				"tenantId": c.tenantKey(rc),
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// warmTenant is the default refresh task: compile the tenant's schema so the
// artifact is warm before the next request needs it.
func (c *Core) warmTenant(ctx context.Context, rc *RequestContext) error {
	svc, err := c.CompilerService(ctx, rc)
	if err != nil {
		return err
	}
	_, err = svc.Compile(ctx)
	return err
}

// ResetCaches drops every cached compiler service and returns how many were
// evicted. Orchestrators and their warm connections are not touched.
func (c *Core) ResetCaches() int {
	return c.cache.InvalidateAll()
}

// ReleaseConnections releases every tenant's driver handles, empties the
// registry and returns the complete per-tenant result set.
func (c *Core) ReleaseConnections(ctx context.Context) map[string]error {
	return c.registry.ReleaseConnections(ctx)
}

// TestConnections probes every registered tenant and returns the complete
// per-tenant result set with no short-circuit.
func (c *Core) TestConnections(ctx context.Context) map[string]error {
	return c.registry.TestConnections(ctx)
}

// CacheStats returns the compiler cache counters.
func (c *Core) CacheStats() schema.CacheStats {
	return c.cache.Stats()
}

// CacheEntries returns a snapshot of the cached tenants.
func (c *Core) CacheEntries() []schema.EntryInfo {
	return c.cache.Entries()
}

// CacheLen returns the number of cached compiler services.
func (c *Core) CacheLen() int {
	return c.cache.Len()
}

// CacheCapacity returns the configured cache bound.
func (c *Core) CacheCapacity() int {
	return c.cache.Capacity()
}

// Tenants returns the tenant keys with a live orchestrator, sorted.
func (c *Core) Tenants() []string {
	return c.registry.Keys()
}

// WarmConnections sums the resolved driver handles across all tenants.
func (c *Core) WarmConnections() int {
	n := 0
	for _, key := range c.registry.Keys() {
		if orch, ok := c.registry.Get(key); ok {
			n += orch.WarmConnections()
		}
	}
	return n
}

// SchedulerStats reports the refresh scheduler counters; ok is false when no
// scheduler is running.
func (c *Core) SchedulerStats() (SchedulerStats, bool) {
	c.mu.Lock()
	s := c.scheduler
	c.mu.Unlock()

	if s == nil {
		return SchedulerStats{State: SchedulerIdle.String()}, false
	}
	return s.Stats(), true
}

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Shutdown stops the scheduler gracefully, releases every tenant's
// connections and stops the cache sweeper. It is idempotent: the first call
// does the work, later calls return nil immediately.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()

	if s != nil {
		s.Cancel(true)
	}

	results := c.registry.ReleaseConnections(ctx)
	keys := make([]string, 0, len(results))
	for key := range results {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		if err := results[key]; err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
	}

	c.cache.Close()
	return errors.Join(errs...)
}
