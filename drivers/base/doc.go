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
Package base defines the driver-handle contract consumed by the Quarry
runtime core.

# Overview

The runtime never talks to a database library directly. It acquires opaque
handles through the connection broker, and every handle satisfies the small
Driver interface:

	type Driver interface {
	    TestConnection(ctx context.Context) error
	    Release(ctx context.Context) error
	}

Construction, pooling, dial timeouts and query latency are owned entirely by
the driver implementation. The core imposes no timeouts of its own.

# Optional Capabilities

Optional behavior is expressed as explicit interfaces checked with type
assertions, never reflection or name probing:

  - LoggerAware: the broker hands the diagnostic event sink to drivers that
    want it, immediately after construction.
  - Queryable: row-shaped reads for the query-serving layer.

# Errors

Driver packages wrap failures in *DriverError, which carries the driver
name, the operation, and the underlying cause (errors.Is/As compatible via
Unwrap).

Connection strings may carry credentials; use RedactURL before logging one.
*/
package base
