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

package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"quarry/platform/config"
	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
	"quarry/platform/orchestrator"
	"quarry/platform/schema"
	"quarry/platform/shared/logger"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const ctxKeyRequestID contextKey = "request_id"

// Run starts the server: configuration, core, refresh scheduler, metrics
// updater and the admin HTTP surface. It blocks until SIGINT or SIGTERM and
// then shuts down gracefully.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 4000)
//   - QUARRY_API_SECRET: JWT secret for /admin endpoints (optional)
//   - QUARRY_DEFAULT_TENANT: tenant key for contexts without a tenant_id claim
//   - QUARRY_SCHEMA_SOURCE: file | s3 | gcs | azure (default: file)
//   - QUARRY_SCHEMA_PATH: schema directory for the file source (default: model)
//   - QUARRY_CACHE_CAPACITY / QUARRY_CACHE_MAX_AGE / QUARRY_CACHE_KEEP_ALIVE
//   - QUARRY_REFRESH_ENABLED / QUARRY_REFRESH_INTERVAL / QUARRY_REFRESH_TIMEOUT
//   - QUARRY_CONFIG_FILE: YAML data-source declarations (optional)
//   - QUARRY_DS_DEFAULT_URL or DATABASE_URL: default data source
//   - QUARRY_EXTERNAL_REDIS_URL: external/cache storage (optional)
//   - QUARRY_SECRETS_PROVIDER: aws | env (optional)
func Run() {
	log.Println("Starting Quarry server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	lg := logger.New("quarry-server")

	core, err := BuildCore(cfg, lg)
	if err != nil {
		log.Fatalf("Initialization error: %v", err)
	}

	if cfg.RefreshEnabled {
		if err := core.StartRefreshScheduler(); err != nil {
			log.Fatalf("Refresh scheduler error: %v", err)
		}
		log.Printf("Refresh scheduler running every %s", cfg.RefreshInterval)
	}

	go metricsUpdater(core)

	api := newHTTPAPI(core, cfg.APISecret)
	if cfg.APISecret == "" {
		log.Println("Warning: QUARRY_API_SECRET is not set, /admin endpoints are unauthenticated")
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Health and readiness
	r.HandleFunc("/health", api.healthHandler).Methods("GET")
	r.HandleFunc("/ready", api.readyHandler).Methods("GET")

	// Prometheus native format
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Admin surface, JWT-protected when a secret is configured
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(api.requireAuth)
	admin.HandleFunc("/cache", api.cacheHandler).Methods("GET")
	admin.HandleFunc("/cache/invalidate", api.cacheInvalidateHandler).Methods("POST")
	admin.HandleFunc("/connections/test", api.connectionsTestHandler).Methods("GET")
	admin.HandleFunc("/connections/release", api.connectionsReleaseHandler).Methods("POST")

	handler := c.Handler(r)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		log.Printf("Quarry server listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// First signal shuts down gracefully, a second one exits hard.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Printf("Received signal %s, shutting down...", s)
	go func() { <-sig; os.Exit(1) }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if err := core.Shutdown(ctx); err != nil {
		log.Printf("Core shutdown error: %v", err)
	}
	log.Println("Quarry server stopped")
}

// BuildCore assembles a Core from the server configuration: the schema
// repository for the configured source, the data-source driver factory and
// the optional external storage factory.
func BuildCore(cfg *config.ServerConfig, lg *logger.Logger) (*Core, error) {
	repoFactory, err := repositoryFactoryFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	var loader *config.FileLoader
	if cfg.DataSourcesFile != "" {
		loader, err = config.NewFileLoader(cfg.DataSourcesFile)
		if err != nil {
			return nil, fmt.Errorf("load data sources file: %w", err)
		}
	}

	secrets, err := secretsResolverFromEnv()
	if err != nil {
		return nil, err
	}

	return NewCore(Options{
		Logger: lg,
		Cache: schema.CacheOptions{
			Capacity:        cfg.CacheCapacity,
			MaxAge:          cfg.CacheMaxAge,
			KeepAliveOnRead: cfg.CacheKeepAlive,
		},
		Repository:             repoFactory,
		DriverFactory:          driverFactoryFromConfig(cfg, loader, secrets),
		ExternalDriverFactory:  externalDriverFactoryFromConfig(cfg, loader),
		RefreshInterval:        cfg.RefreshInterval,
		LongExecutionThreshold: cfg.LongExecutionThreshold(),
		DefaultTenant:          cfg.DefaultTenant,
	})
}

// repositoryFactoryFromConfig builds the configured schema repository once,
// at startup, so a bad bucket or path fails fast. All tenants share it; hosts
// with per-tenant schema layouts install their own RepositoryFactory.
func repositoryFactoryFromConfig(cfg *config.ServerConfig) (RepositoryFactory, error) {
	var repo schema.Repository
	var err error

	switch cfg.SchemaSource {
	case "file":
		repo = schema.NewFileRepository(cfg.SchemaPath)
	case "s3":
		repo, err = schema.NewS3Repository(context.Background(), cfg.SchemaS3)
	case "gcs":
		repo, err = schema.NewGCSRepository(context.Background(), cfg.SchemaGCS)
	case "azure":
		repo, err = schema.NewAzureRepository(cfg.SchemaAzure)
	default:
		err = fmt.Errorf("unknown schema source %q", cfg.SchemaSource)
	}
	if err != nil {
		return nil, fmt.Errorf("schema repository (%s): %w", cfg.SchemaSource, err)
	}

	return func(ctx context.Context, rc *RequestContext) (schema.Repository, error) {
		return repo, nil
	}, nil
}

// driverFactoryFromConfig resolves a tenant's data-source configuration,
// resolves its credential secret and constructs the driver through the
// catalog.
func driverFactoryFromConfig(cfg *config.ServerConfig, loader *config.FileLoader, secrets config.SecretsResolver) DriverFactoryFunc {
	return func(ctx context.Context, rc *RequestContext, dataSource string) (base.Driver, error) {
		if dataSource == "" {
			dataSource = orchestrator.DefaultDataSource
		}
		tenant := rc.SecurityString("tenant_id")
		if tenant == "" {
			tenant = cfg.DefaultTenant
		}

		dsCfg, err := lookupDataSource(loader, tenant, dataSource)
		if err != nil {
			return nil, err
		}
		if err := config.ResolveCredentials(ctx, secrets, dsCfg); err != nil {
			return nil, err
		}
		return catalog.New(dsCfg.Type, dsCfg)
	}
}

// lookupDataSource finds a data-source configuration, preferring the YAML
// declarations and falling back to QUARRY_DS_* environment variables.
func lookupDataSource(loader *config.FileLoader, tenant, dataSource string) (*base.Config, error) {
	if loader != nil {
		sources, err := loader.DataSources(tenant)
		if err != nil {
			return nil, err
		}
		for _, ds := range sources {
			if ds.Name == dataSource {
				return ds, nil
			}
		}
		return nil, fmt.Errorf("data source %q is not configured for tenant %q", dataSource, tenant)
	}

	if dataSource == orchestrator.DefaultDataSource {
		return config.LoadDefaultDataSource()
	}

	prefix := "QUARRY_DS_" + strings.ToUpper(dataSource) + "_"
	typeName := os.Getenv(prefix + "TYPE")
	if typeName == "" {
		return nil, fmt.Errorf("missing required environment variable: %sTYPE", prefix)
	}
	return config.LoadDataSourceFromEnv(dataSource, typeName)
}

// externalDriverFactoryFromConfig wires the shared external storage driver.
// Returns nil when no external store is configured, which disables the
// orchestrators' external broker.
func externalDriverFactoryFromConfig(cfg *config.ServerConfig, loader *config.FileLoader) ExternalDriverFactoryFunc {
	var external *base.Config
	if loader != nil {
		if ext, ok := loader.ExternalStorage(); ok {
			external = ext
		}
	}
	if external == nil && cfg.ExternalRedisURL != "" {
		external = &base.Config{
			Name:        "external",
			Type:        "redis",
			URL:         cfg.ExternalRedisURL,
			Credentials: make(map[string]string),
			Options:     make(map[string]interface{}),
			Timeout:     5 * time.Second,
			TenantID:    "*",
		}
	}
	if external == nil {
		return nil
	}

	return func(ctx context.Context, rc *RequestContext) (base.Driver, error) {
		return catalog.New(external.Type, external)
	}
}

// secretsResolverFromEnv picks the secrets backend from
// QUARRY_SECRETS_PROVIDER. Unset means no resolver and secret references in
// data-source configs are ignored.
func secretsResolverFromEnv() (config.SecretsResolver, error) {
	provider := strings.ToLower(os.Getenv("QUARRY_SECRETS_PROVIDER"))
	switch provider {
	case "", "none":
		return nil, nil
	case "aws":
		return config.NewAWSSecretsResolver(context.Background(), config.AWSSecretsResolverOptions{
			Region: os.Getenv("QUARRY_SECRETS_AWS_REGION"),
		})
	case "env":
		return config.NewEnvSecretsResolver(nil), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q (expected aws or env)", provider)
	}
}

// requestIDMiddleware propagates X-Request-ID, minting one when absent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
