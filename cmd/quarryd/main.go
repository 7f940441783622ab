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

// Package main is the entry point for the Quarry server.
//
// The Quarry server is the multi-tenant runtime for analytics schemas:
// - Compiles per-tenant schema repositories and caches the results
// - Brokers data-source connections per tenant with request coalescing
// - Runs the background refresh scheduler across all tenants
// - Serves health, readiness and admin endpoints
//
// Usage:
//
//	./quarryd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 4000)
//	QUARRY_API_SECRET - JWT secret for request authentication
//	QUARRY_DS_DEFAULT_URL - default data source connection string
//	QUARRY_SCHEMA_SOURCE - schema repository backend (file|s3|gcs|azure)
//
// The supported driver set is fixed at build time by the imports below.
package main

import (
	"quarry/platform/server"

	_ "quarry/platform/drivers/cassandra"
	_ "quarry/platform/drivers/mongodb"
	_ "quarry/platform/drivers/mysql"
	_ "quarry/platform/drivers/postgres"
	_ "quarry/platform/drivers/redisstore"
)

func main() {
	server.Run()
}
