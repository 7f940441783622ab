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

// Package schema loads, compiles and caches tenant data models.
//
// # Overview
//
// A tenant's data model is a set of YAML files declaring cubes: named
// query targets with measures, dimensions, joins and pre-aggregations.
// The package turns those files into an immutable CompiledSchema and keeps
// one compilation Service per tenant so repeated requests reuse earlier
// work.
//
// # Compilation
//
// Repository implementations list and read model files: FileRepository
// for a local directory, S3Repository, GCSRepository and AzureRepository
// for object stores. YAMLCompiler parses the files, validates cube names
// and produces the combined CompiledSchema stamped with a version. When no
// version is supplied, VersionFromFiles derives one from the file
// contents, so any edit produces a new version.
//
// Service ties a repository and compiler together for one tenant. It
// holds the last successful result and recompiles only when the requested
// version changes. A failed compilation caches nothing; the next call
// retries from the repository.
//
// # Caching
//
// CompilerCache bounds how many tenants hold compiled state at once.
// Eviction is least-recently-used, backed by groupcache's LRU list. An
// optional maximum age expires idle entries two ways: reads past the
// deadline miss, and a background sweep removes aged entries that nothing
// reads. With KeepAliveOnRead, every hit restarts the entry's clock, so
// only genuinely idle tenants expire.
//
// Version changes never evict: a tenant whose schema version moves on is
// recompiled through its existing Service, keeping the cache slot.
package schema
