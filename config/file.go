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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"

	"gopkg.in/yaml.v3"
)

// File is the root structure of a data source configuration file.
type File struct {
	Version         string                          `yaml:"version"`
	DataSources     map[string]DataSourceFileConfig `yaml:"datasources,omitempty"`
	ExternalStorage *ExternalStorageFileConfig      `yaml:"external_storage,omitempty"`
}

// DataSourceFileConfig is one data source declaration in the config file.
type DataSourceFileConfig struct {
	Type         string                 `yaml:"type"`
	Enabled      bool                   `yaml:"enabled"`
	DisplayName  string                 `yaml:"display_name,omitempty"`
	Description  string                 `yaml:"description,omitempty"`
	URL          string                 `yaml:"url,omitempty"`
	Credentials  map[string]string      `yaml:"credentials,omitempty"`
	Options      map[string]interface{} `yaml:"options,omitempty"`
	TimeoutMs    int                    `yaml:"timeout_ms,omitempty"`
	MaxOpenConns int                    `yaml:"max_open_conns,omitempty"`
	MaxIdleConns int                    `yaml:"max_idle_conns,omitempty"`
	TenantID     string                 `yaml:"tenant_id,omitempty"`
}

// ExternalStorageFileConfig declares the shared external storage backend.
type ExternalStorageFileConfig struct {
	Type    string                 `yaml:"type"`
	URL     string                 `yaml:"url"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// FileLoader loads data source configurations from a YAML file.
type FileLoader struct {
	filePath string
	file     *File
}

// NewFileLoader creates a loader and reads the file once. Environment
// variable references in the file are expanded on every (re)load.
func NewFileLoader(filePath string) (*FileLoader, error) {
	loader := &FileLoader{filePath: filePath}
	if err := loader.reload(); err != nil {
		return nil, err
	}
	return loader, nil
}

func (l *FileLoader) reload() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", l.filePath, err)
	}

	expanded := expandEnvVars(string(data))

	var file File
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := ValidateFile(&file); err != nil {
		return fmt.Errorf("invalid config file %s: %w", l.filePath, err)
	}

	l.file = &file
	return nil
}

// Reload re-reads the configuration file.
func (l *FileLoader) Reload() error {
	return l.reload()
}

// DataSources returns the enabled data source configs visible to a tenant.
// A declaration without a tenant_id applies to every tenant.
func (l *FileLoader) DataSources(tenantID string) ([]*base.Config, error) {
	if l.file == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	var configs []*base.Config
	for name, fileConfig := range l.file.DataSources {
		if !fileConfig.Enabled {
			continue
		}

		cfgTenantID := fileConfig.TenantID
		if cfgTenantID == "" {
			cfgTenantID = "*"
		}
		if tenantID != "*" && cfgTenantID != "*" && cfgTenantID != tenantID {
			continue
		}

		timeout := time.Duration(fileConfig.TimeoutMs) * time.Millisecond
		if timeout == 0 {
			timeout = 30 * time.Second
		}

		options := fileConfig.Options
		if options == nil {
			options = make(map[string]interface{})
		}
		credentials := fileConfig.Credentials
		if credentials == nil {
			credentials = make(map[string]string)
		}

		configs = append(configs, &base.Config{
			Name:         name,
			Type:         fileConfig.Type,
			URL:          fileConfig.URL,
			Credentials:  credentials,
			Options:      options,
			Timeout:      timeout,
			MaxOpenConns: fileConfig.MaxOpenConns,
			MaxIdleConns: fileConfig.MaxIdleConns,
			TenantID:     cfgTenantID,
		})
	}

	return configs, nil
}

// ExternalStorage returns the external storage config when declared.
func (l *FileLoader) ExternalStorage() (*base.Config, bool) {
	if l.file == nil || l.file.ExternalStorage == nil {
		return nil, false
	}

	es := l.file.ExternalStorage
	typeName := es.Type
	if typeName == "" {
		typeName = "redis"
	}
	options := es.Options
	if options == nil {
		options = make(map[string]interface{})
	}

	return &base.Config{
		Name:        "external",
		Type:        typeName,
		URL:         es.URL,
		Credentials: make(map[string]string),
		Options:     options,
		Timeout:     5 * time.Second,
	}, true
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands environment variable references in the string.
// Supports ${VAR_NAME}, $VAR_NAME and ${VAR_NAME:-default} syntax.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		if defaultVal != "" {
			return defaultVal
		}
		return ""
	})
}

// ValidateFile validates the structure of a config file. Data source types
// must be registered in the driver catalog, so the set of valid types is
// whatever the binary linked in.
func ValidateFile(file *File) error {
	if file.Version == "" {
		return fmt.Errorf("config file must specify a version")
	}

	for name, ds := range file.DataSources {
		if ds.Type == "" {
			return fmt.Errorf("data source '%s' must specify a type", name)
		}
		if !catalog.Supported(ds.Type) {
			return fmt.Errorf("data source '%s' has unsupported type '%s' (registered: %s)",
				name, ds.Type, strings.Join(catalog.Types(), ", "))
		}
	}

	if es := file.ExternalStorage; es != nil {
		if es.URL == "" {
			return fmt.Errorf("external storage must specify a url")
		}
		if es.Type != "" && !catalog.Supported(es.Type) {
			return fmt.Errorf("external storage has unsupported type '%s'", es.Type)
		}
	}

	return nil
}

// GenerateExampleFile generates an example configuration file.
func GenerateExampleFile() string {
	return `# Quarry Runtime Configuration
# This file declares data sources and external storage for the query server.
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default} syntax.

version: "1.0"

datasources:
  # Primary PostgreSQL warehouse
  default:
    type: postgres
    enabled: true
    display_name: "Main Warehouse"
    url: ${DATABASE_URL}
    credentials:
      username: ${POSTGRES_USER:-postgres}
      password: ${POSTGRES_PASSWORD}
    options:
      sslmode: ${POSTGRES_SSLMODE:-disable}
    max_open_conns: 25
    max_idle_conns: 5
    timeout_ms: 30000

  # Secondary MySQL source, visible to one tenant only
  events:
    type: mysql
    enabled: false
    display_name: "Events Store"
    url: ${MYSQL_URL}
    tenant_id: analytics-team
    timeout_ms: 30000

  # Wide-column store for high-volume rollups
  rollups:
    type: cassandra
    enabled: false
    url: ${CASSANDRA_HOSTS:-localhost:9042}
    options:
      keyspace: ${CASSANDRA_KEYSPACE:-quarry}
      consistency: QUORUM

external_storage:
  type: redis
  url: ${QUARRY_EXTERNAL_REDIS_URL:-redis://localhost:6379}
`
}
