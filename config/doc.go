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

// Package config loads server and data source configuration.
//
// Server settings come from environment variables via Load. Data sources
// come either from QUARRY_DS_<NAME>_* environment variables or from a YAML
// file loaded with FileLoader; the file may reference environment
// variables with ${VAR} or ${VAR:-default} syntax.
//
// Credential material can be kept out of both: a data source whose options
// carry a secret_ref has its credentials filled in by a SecretsResolver.
// Three resolvers ship with the package: AWS Secrets Manager, environment
// variable prefixes, and an in-memory map for development.
package config
