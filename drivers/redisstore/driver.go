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

// Package redisstore is the redis-backed external storage driver. Orchestrators
// hand it out through ExternalDriver for cache and rollup reads that should not
// touch the primary data sources.
package redisstore

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
	"quarry/platform/shared/logger"
)

const (
	// DefaultPoolSize is the default connection pool size
	DefaultPoolSize = 100
	// DefaultMinIdleConns is the default minimum number of idle connections
	DefaultMinIdleConns = 10
	// DefaultDialTimeout is the default dial timeout
	DefaultDialTimeout = 5 * time.Second
	// DefaultReadTimeout is the default read timeout
	DefaultReadTimeout = 3 * time.Second
	// DefaultWriteTimeout is the default write timeout
	DefaultWriteTimeout = 3 * time.Second
)

func init() {
	catalog.Register("redis", func(cfg *base.Config) (base.Driver, error) {
		return New(cfg)
	})
}

// Driver is a redis-backed key-value store handle.
type Driver struct {
	cfg    *base.Config
	client *redis.Client
	events logger.EventLogger

	announce sync.Once
}

var (
	_ base.Driver      = (*Driver)(nil)
	_ base.LoggerAware = (*Driver)(nil)
)

// New builds a redis driver from its configuration. The URL form
// (redis://[:password@]host:port/db) takes precedence; host, port and db
// options are the fallback.
func New(cfg *base.Config) (*Driver, error) {
	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, base.NewDriverError(cfg.Name, "connect", "invalid connection URL", err)
	}

	opts.PoolSize = DefaultPoolSize
	if cfg.MaxOpenConns > 0 {
		opts.PoolSize = cfg.MaxOpenConns
	}
	opts.MinIdleConns = DefaultMinIdleConns
	if cfg.MaxIdleConns > 0 {
		opts.MinIdleConns = cfg.MaxIdleConns
	}
	opts.DialTimeout = DefaultDialTimeout
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
	}
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	return &Driver{cfg: cfg, client: redis.NewClient(opts)}, nil
}

// buildOptions resolves client options from the URL or from discrete options.
func buildOptions(cfg *base.Config) (*redis.Options, error) {
	if cfg.URL != "" {
		return redis.ParseURL(cfg.URL)
	}

	host := cfg.OptionString("host", "localhost")
	port := cfg.OptionInt("port", 6379)
	opts := &redis.Options{
		Addr: net.JoinHostPort(host, strconv.Itoa(port)),
		DB:   cfg.OptionInt("db", 0),
	}
	if password, ok := cfg.Credentials["password"]; ok {
		opts.Password = password
	}
	return opts, nil
}

// SetLogger installs the diagnostic event sink.
func (d *Driver) SetLogger(events logger.EventLogger) {
	d.events = events
}

// TestConnection verifies the server is reachable.
func (d *Driver) TestConnection(ctx context.Context) error {
	if d.client == nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "client is closed", nil)
	}

	start := time.Now()
	if err := d.client.Ping(ctx).Err(); err != nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "failed to ping redis", err)
	}

	d.announce.Do(func() {
		if d.events != nil {
			d.events.Event("Driver Connection", map[string]interface{}{
				"driver":     "redis",
				"dataSource": d.cfg.Name,
				"target":     base.RedactURL(d.cfg.URL),
				"latencyMs":  time.Since(start).Milliseconds(),
			})
		}
	})

	return nil
}

// Release closes the client and its pool.
func (d *Driver) Release(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	if err := d.client.Close(); err != nil {
		return base.NewDriverError(d.cfg.Name, "release", "failed to close client", err)
	}
	return nil
}

// Get reads a key. The second return value reports whether the key exists.
func (d *Driver) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := d.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, base.NewDriverError(d.cfg.Name, "get", "failed to read key", err)
	}
	return val, true, nil
}

// Set writes a key with an optional TTL; a zero ttl means no expiry.
func (d *Driver) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := d.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return base.NewDriverError(d.cfg.Name, "set", "failed to write key", err)
	}
	return nil
}

// Delete removes keys and returns how many existed.
func (d *Driver) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := d.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, base.NewDriverError(d.cfg.Name, "delete", "failed to delete keys", err)
	}
	return removed, nil
}
