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
Package logger provides structured JSON logging with multi-tenant support
for Quarry components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (server, scheduler, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("server")

Log messages with tenant and request context:

	log.Info("tenant-123", "req-456", "Compiling schema", map[string]interface{}{
	    "version": "v42",
	    "source":  "s3",
	})

Log errors with status codes:

	log.ErrorWithCode("tenant-123", "req-456", "Request failed", 500, err, map[string]interface{}{
	    "endpoint": "/admin/connections/test",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("tenant-123", "req-456", "Refresh completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Diagnostic Events

Runtime components emit named diagnostic events through the EventLogger
interface. Event names are part of the operational contract and are matched
by alerting rules:

	"Refresh Scheduler Interval Error"  - a refresh tick was skipped because
	                                      the previous run is still in flight
	"Refresh Scheduler Long Execution"  - an overrun refresh run completed
	"Refresh Scheduler Error"           - a refresh run returned an error
	"auth_info_deprecation"             - a legacy authInfo context was seen

Driver and compiler layers may route additional event names through the same
sink; they are passed through unchanged.

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"server","instance_id":"i-abc123","container":"quarryd-xyz",
	 "tenant_id":"tenant-123","request_id":"req-456",
	 "message":"Compiling schema","fields":{"version":"v42"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
