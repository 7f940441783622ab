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

/*
Package server is the composition root of the Quarry runtime. It wires the
compiler cache, the orchestrator registry, the refresh scheduler and the
admin HTTP surface into one Core, and runs them as a process.

# Core

Core is the coordinator. A request context goes in, a cached per-tenant
compiler service or a live orchestrator comes out:

	core, _ := server.NewCore(server.Options{
		Repository:    repoFactory,
		DriverFactory: driverFactory,
	})
	svc, _ := core.CompilerService(ctx, rc)
	orch, _ := core.Orchestrator(ctx, rc)

Every behavior that varies per deployment is an injected hook with a
default: TenantKey (tenant_id claim, else the default tenant), SchemaVersion
(recomputed on every lookup and handed to the service, never evicting the
cache), Repository, DriverFactory, ExternalDriverFactory,
BackgroundContexts and RefreshTask. Embedders construct a Core directly;
the quarryd binary assembles one from environment configuration via Run.

# Request Contexts

RequestContext carries the security context for one logical caller. The
normalizer reconciles the legacy authInfo field with securityContext in both
directions and emits a once-per-process auth_info_deprecation warning when
only the legacy field is present. Normalization happens on every inbound
context, including the background contexts a refresh cycle enumerates.

# Refresh Scheduler

RefreshScheduler drives background refresh on a fixed period. Runs never
overlap: a tick that lands while the previous run is still executing is
skipped and diagnosed ("Refresh Scheduler Interval Error"), and when the
overrunning run finally completes slower than the long-execution threshold a
single "Refresh Scheduler Long Execution" warning closes the episode.
Cancellation is graceful (wait for the in-flight run) or immediate (cancel
its context and return).

# Admin Surface

Run exposes health, readiness (connection test fan-out), Prometheus metrics
and the /admin cache and connection controls, JWT-protected when
QUARRY_API_SECRET is set.

# Shutdown

Core.Shutdown is idempotent: it stops the scheduler gracefully, releases
every tenant's driver handles, collects per-tenant failures and stops the
cache sweeper. Lookups after shutdown return ErrCoreClosed.
*/
package server
