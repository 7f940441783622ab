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
	"strconv"
	"strings"
	"time"

	"quarry/platform/drivers/base"
	"quarry/platform/schema"
)

// ServerConfig holds everything the server needs at startup, loaded from
// environment variables.
type ServerConfig struct {
	Port          string
	APISecret     string
	DefaultTenant string

	CacheCapacity  int
	CacheMaxAge    time.Duration
	CacheKeepAlive bool

	RefreshEnabled  bool
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration

	// SchemaSource is one of file, s3, gcs or azure. The matching sub
	// config below applies.
	SchemaSource string
	SchemaPath   string
	SchemaS3     schema.S3RepositoryConfig
	SchemaGCS    schema.GCSRepositoryConfig
	SchemaAzure  schema.AzureRepositoryConfig

	// ExternalRedisURL enables the shared external storage driver.
	ExternalRedisURL string

	// DataSourcesFile points at an optional YAML file declaring data
	// sources; see FileLoader.
	DataSourcesFile string
}

// Load reads the server configuration from the environment and validates
// it.
func Load() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:          getEnv("PORT", "4000"),
		APISecret:     os.Getenv("QUARRY_API_SECRET"),
		DefaultTenant: getEnv("QUARRY_DEFAULT_TENANT", "default"),

		SchemaSource: strings.ToLower(getEnv("QUARRY_SCHEMA_SOURCE", "file")),
		SchemaPath:   getEnv("QUARRY_SCHEMA_PATH", "model"),

		ExternalRedisURL: os.Getenv("QUARRY_EXTERNAL_REDIS_URL"),
		DataSourcesFile:  os.Getenv("QUARRY_CONFIG_FILE"),
	}

	var err error
	if cfg.CacheCapacity, err = getEnvInt("QUARRY_CACHE_CAPACITY", schema.DefaultCacheCapacity); err != nil {
		return nil, err
	}
	if cfg.CacheMaxAge, err = getEnvDuration("QUARRY_CACHE_MAX_AGE", 0); err != nil {
		return nil, err
	}
	if cfg.CacheKeepAlive, err = getEnvBool("QUARRY_CACHE_KEEP_ALIVE", false); err != nil {
		return nil, err
	}

	if cfg.RefreshEnabled, err = getEnvBool("QUARRY_REFRESH_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = getEnvDuration("QUARRY_REFRESH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshTimeout, err = getEnvDuration("QUARRY_REFRESH_TIMEOUT", 0); err != nil {
		return nil, err
	}

	cfg.SchemaS3 = schema.S3RepositoryConfig{
		Bucket:          os.Getenv("QUARRY_SCHEMA_S3_BUCKET"),
		Prefix:          os.Getenv("QUARRY_SCHEMA_S3_PREFIX"),
		Region:          os.Getenv("QUARRY_SCHEMA_S3_REGION"),
		Endpoint:        os.Getenv("QUARRY_SCHEMA_S3_ENDPOINT"),
		AccessKeyID:     os.Getenv("QUARRY_SCHEMA_S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("QUARRY_SCHEMA_S3_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("QUARRY_SCHEMA_S3_SESSION_TOKEN"),
	}
	if cfg.SchemaS3.ForcePathStyle, err = getEnvBool("QUARRY_SCHEMA_S3_PATH_STYLE", false); err != nil {
		return nil, err
	}

	cfg.SchemaGCS = schema.GCSRepositoryConfig{
		Bucket:          os.Getenv("QUARRY_SCHEMA_GCS_BUCKET"),
		Prefix:          os.Getenv("QUARRY_SCHEMA_GCS_PREFIX"),
		CredentialsFile: os.Getenv("QUARRY_SCHEMA_GCS_CREDENTIALS_FILE"),
		Endpoint:        os.Getenv("QUARRY_SCHEMA_GCS_ENDPOINT"),
	}

	cfg.SchemaAzure = schema.AzureRepositoryConfig{
		AccountName:      os.Getenv("QUARRY_SCHEMA_AZURE_ACCOUNT"),
		Container:        os.Getenv("QUARRY_SCHEMA_AZURE_CONTAINER"),
		Prefix:           os.Getenv("QUARRY_SCHEMA_AZURE_PREFIX"),
		ConnectionString: os.Getenv("QUARRY_SCHEMA_AZURE_CONNECTION_STRING"),
		AccountKey:       os.Getenv("QUARRY_SCHEMA_AZURE_ACCOUNT_KEY"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions before anything
// starts up on top of it.
func (c *ServerConfig) Validate() error {
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.CacheCapacity)
	}
	if c.CacheMaxAge < 0 {
		return fmt.Errorf("cache max age cannot be negative")
	}
	if c.RefreshEnabled && c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive when the scheduler is enabled")
	}

	switch c.SchemaSource {
	case "file":
		if c.SchemaPath == "" {
			return fmt.Errorf("schema path is required for the file schema source")
		}
	case "s3":
		if c.SchemaS3.Bucket == "" {
			return fmt.Errorf("QUARRY_SCHEMA_S3_BUCKET is required for the s3 schema source")
		}
	case "gcs":
		if c.SchemaGCS.Bucket == "" {
			return fmt.Errorf("QUARRY_SCHEMA_GCS_BUCKET is required for the gcs schema source")
		}
	case "azure":
		if c.SchemaAzure.Container == "" {
			return fmt.Errorf("QUARRY_SCHEMA_AZURE_CONTAINER is required for the azure schema source")
		}
	default:
		return fmt.Errorf("unknown schema source %q (expected file, s3, gcs or azure)", c.SchemaSource)
	}
	return nil
}

// LongExecutionThreshold returns how long a refresh run may take before it
// is flagged as slow. Unset, it matches the refresh interval.
func (c *ServerConfig) LongExecutionThreshold() time.Duration {
	if c.RefreshTimeout > 0 {
		return c.RefreshTimeout
	}
	return c.RefreshInterval
}

// LoadDataSourceFromEnv loads one data source configuration from
// environment variables prefixed with QUARRY_DS_<NAME>_.
// Example: QUARRY_DS_DEFAULT_URL, QUARRY_DS_EVENTS_USERNAME.
func LoadDataSourceFromEnv(name, typeName string) (*base.Config, error) {
	prefix := "QUARRY_DS_" + strings.ToUpper(name) + "_"

	url := os.Getenv(prefix + "URL")
	if url == "" {
		return nil, fmt.Errorf("missing required environment variable: %sURL", prefix)
	}

	cfg := &base.Config{
		Name:        name,
		Type:        typeName,
		URL:         url,
		Credentials: make(map[string]string),
		Options:     make(map[string]interface{}),
		TenantID:    getEnv(prefix+"TENANT_ID", "*"),
	}

	timeoutStr := os.Getenv(prefix + "TIMEOUT")
	if timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format: %s", timeoutStr)
		}
		cfg.Timeout = timeout
	} else {
		cfg.Timeout = 5 * time.Second
	}

	var err error
	if cfg.MaxOpenConns, err = getEnvInt(prefix+"MAX_OPEN_CONNS", 0); err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns, err = getEnvInt(prefix+"MAX_IDLE_CONNS", 0); err != nil {
		return nil, err
	}

	if username := os.Getenv(prefix + "USERNAME"); username != "" {
		cfg.Credentials["username"] = username
	}
	if password := os.Getenv(prefix + "PASSWORD"); password != "" {
		cfg.Credentials["password"] = password
	}
	if secretRef := os.Getenv(prefix + "SECRET_REF"); secretRef != "" {
		cfg.Options["secret_ref"] = secretRef
	}

	return cfg, nil
}

// LoadDefaultDataSource loads the default data source, falling back to
// DATABASE_URL as a PostgreSQL source so single-database deployments need
// no extra variables.
func LoadDefaultDataSource() (*base.Config, error) {
	cfg, err := LoadDataSourceFromEnv("default", getEnv("QUARRY_DS_DEFAULT_TYPE", "postgres"))
	if err == nil {
		return cfg, nil
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("no default data source configured (tried QUARRY_DS_DEFAULT_URL and DATABASE_URL)")
	}

	return &base.Config{
		Name:         "default",
		Type:         "postgres",
		URL:          databaseURL,
		Credentials:  make(map[string]string),
		Options:      make(map[string]interface{}),
		Timeout:      5 * time.Second,
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		TenantID:     "*",
	}, nil
}

// ValidateDataSource checks a data source configuration.
func ValidateDataSource(cfg *base.Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("data source name is required")
	}
	if cfg.Type == "" {
		return fmt.Errorf("data source type is required")
	}
	if cfg.URL == "" {
		return fmt.Errorf("connection URL is required for data source %s", cfg.Name)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative for data source %s", cfg.Name)
	}
	return nil
}

// getEnv returns the environment variable value or the default if unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %s", key, value)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %s", key, value)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %s", key, value)
	}
	return parsed, nil
}
