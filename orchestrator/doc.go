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
Package orchestrator manages per-tenant driver lifecycles for the Quarry
runtime: connection brokering, tenant orchestrator instances, and the
registry that coordinates bulk operations across tenants.

# Overview

Each tenant gets one Orchestrator. An Orchestrator owns two connection
brokers: the primary broker, keyed by data-source name, and an optional
single-slot broker for the external/cache-storage driver. Query execution
borrows warm driver handles from the brokers; nothing in this package runs
queries itself.

# Connection Broker

The broker coalesces concurrent acquisitions. Every (orchestrator, data
source) pair maps to a slot with three states:

	empty -> pending -> resolved
	         pending -> empty     (on failure)

While a slot is pending, all callers wait on the same attempt and receive
the identical outcome. Exactly one driver-factory invocation and one
connection test run per attempt. On failure the partially constructed
handle is released best-effort and the slot resets, so the next caller
starts a completely fresh attempt. A resolved slot hands out its handle
immediately with no re-validation and stays warm until released.

Attempts run detached from the initiating caller's context: a waiter that
cancels abandons only its own wait.

# Registry

The Registry maps tenant keys to orchestrators and fans out bulk
operations:

  - ReleaseConnections releases every tenant's handles concurrently,
    collects a complete per-tenant result set, and empties the registry
    even when individual tenants fail.
  - TestConnections probes every tenant concurrently and returns the full
    result set with no short-circuit, which is what the readiness endpoint
    reports.

# Thread Safety

All exported types in this package are safe for concurrent use. Slot
transitions are linearizable per data source; registry access is guarded by
a sync.RWMutex with double-checked creation in GetOrCreate.
*/
package orchestrator
