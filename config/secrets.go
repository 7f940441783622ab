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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"quarry/platform/drivers/base"
)

// SecretsResolver fetches credential material by reference. The reference
// format depends on the implementation: an ARN for AWS, an environment
// variable prefix for Env, an arbitrary key for Local.
type SecretsResolver interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// ResolveCredentials merges secret material into a data source config when
// its options carry a secret_ref. Credentials already present win over
// resolved values, so a config can pin individual fields.
func ResolveCredentials(ctx context.Context, resolver SecretsResolver, cfg *base.Config) error {
	if resolver == nil {
		return nil
	}
	ref, _ := cfg.Options["secret_ref"].(string)
	if ref == "" {
		return nil
	}

	secret, err := resolver.GetSecret(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolve credentials for %s: %w", cfg.Name, err)
	}

	if cfg.Credentials == nil {
		cfg.Credentials = make(map[string]string)
	}
	for key, value := range secret {
		if _, exists := cfg.Credentials[key]; !exists {
			cfg.Credentials[key] = value
		}
	}
	return nil
}

// AWSSecretsResolver resolves secrets through AWS Secrets Manager with a
// short-lived in-process cache.
type AWSSecretsResolver struct {
	client *secretsmanager.Client
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	logger *log.Logger
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretsResolverOptions holds options for creating an AWSSecretsResolver
type AWSSecretsResolverOptions struct {
	Region   string
	CacheTTL time.Duration
	Logger   *log.Logger
}

// NewAWSSecretsResolver creates a resolver backed by AWS Secrets Manager.
func NewAWSSecretsResolver(ctx context.Context, opts AWSSecretsResolverOptions) (*AWSSecretsResolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS] ", log.LstdFlags)
	}

	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &AWSSecretsResolver{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// GetSecret retrieves a secret value. The stored value is expected to be a
// JSON object with string fields; a plain string becomes {"value": ...}.
func (s *AWSSecretsResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	entry, exists := s.cache[ref]
	s.mu.RUnlock()

	if exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	s.logger.Printf("Fetching secret %s from AWS Secrets Manager", maskRef(ref))

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", maskRef(ref), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	var credentials map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &credentials); err != nil {
		credentials = map[string]string{"value": *result.SecretString}
	}

	s.mu.Lock()
	s.cache[ref] = &secretCacheEntry{
		value:     credentials,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return credentials, nil
}

// InvalidateSecret removes one secret from the cache.
func (s *AWSSecretsResolver) InvalidateSecret(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
	s.logger.Printf("Invalidated cache for secret %s", maskRef(ref))
}

// InvalidateAll clears the entire secret cache.
func (s *AWSSecretsResolver) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*secretCacheEntry)
	s.mu.Unlock()
	s.logger.Println("Invalidated all cached secrets")
}

// maskRef masks a secret reference for logging (shows only the last 8
// characters).
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// EnvSecretsResolver resolves secrets from environment variables. The
// reference is used as a variable name prefix: "WAREHOUSE" reads
// WAREHOUSE_USERNAME, WAREHOUSE_PASSWORD and so on.
type EnvSecretsResolver struct {
	logger *log.Logger
}

// NewEnvSecretsResolver creates a resolver reading from the environment.
func NewEnvSecretsResolver(logger *log.Logger) *EnvSecretsResolver {
	if logger == nil {
		logger = log.New(os.Stdout, "[ENV_SECRETS] ", log.LstdFlags)
	}
	return &EnvSecretsResolver{logger: logger}
}

// GetSecret retrieves credentials from environment variables under the
// reference prefix.
func (s *EnvSecretsResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	fields := []string{
		"USERNAME", "PASSWORD", "API_KEY", "API_SECRET",
		"CLIENT_ID", "CLIENT_SECRET", "TOKEN", "PRIVATE_KEY",
		"ACCESS_KEY", "SECRET_KEY", "HOST", "PORT", "DATABASE",
	}

	credentials := make(map[string]string)
	for _, field := range fields {
		if value := os.Getenv(ref + "_" + field); value != "" {
			credentials[fieldToKey(field)] = value
		}
	}

	if len(credentials) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", ref)
	}

	s.logger.Printf("Loaded %d credentials from environment for %s", len(credentials), ref)
	return credentials, nil
}

// LocalSecretsResolver holds secrets in memory, for development and tests.
type LocalSecretsResolver struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewLocalSecretsResolver creates an empty in-memory resolver.
func NewLocalSecretsResolver() *LocalSecretsResolver {
	return &LocalSecretsResolver{
		secrets: make(map[string]map[string]string),
	}
}

// GetSecret retrieves a stored secret.
func (s *LocalSecretsResolver) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if secret, exists := s.secrets[ref]; exists {
		return secret, nil
	}
	return nil, fmt.Errorf("secret %s not found", ref)
}

// SetSecret stores a secret.
func (s *LocalSecretsResolver) SetSecret(ref string, value map[string]string) {
	s.mu.Lock()
	s.secrets[ref] = value
	s.mu.Unlock()
}

// fieldToKey converts an environment variable field name to a credential key
func fieldToKey(field string) string {
	switch field {
	case "USERNAME":
		return "username"
	case "PASSWORD":
		return "password"
	case "API_KEY":
		return "api_key"
	case "API_SECRET":
		return "api_secret"
	case "CLIENT_ID":
		return "client_id"
	case "CLIENT_SECRET":
		return "client_secret"
	case "TOKEN":
		return "token"
	case "PRIVATE_KEY":
		return "private_key"
	case "ACCESS_KEY":
		return "access_key"
	case "SECRET_KEY":
		return "secret_key"
	case "HOST":
		return "host"
	case "PORT":
		return "port"
	case "DATABASE":
		return "database"
	default:
		return field
	}
}
