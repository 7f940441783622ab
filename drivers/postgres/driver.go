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

package postgres

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
	"quarry/platform/shared/logger"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultPingTimeout bounds the connection probe
	DefaultPingTimeout = 10 * time.Second
	// DefaultQueryTimeout is the default query timeout
	DefaultQueryTimeout = 30 * time.Second
)

func init() {
	catalog.Register("postgres", func(cfg *base.Config) (base.Driver, error) {
		return New(cfg)
	})
}

// Driver serves a PostgreSQL data source through database/sql. The pool is
// lazy: New configures it without dialing, and the first probe or query
// establishes connections.
type Driver struct {
	cfg    *base.Config
	db     *sql.DB
	events logger.EventLogger

	announce sync.Once
}

var (
	_ base.Driver      = (*Driver)(nil)
	_ base.Queryable   = (*Driver)(nil)
	_ base.LoggerAware = (*Driver)(nil)
)

// New builds a PostgreSQL driver from its configuration.
func New(cfg *base.Config) (*Driver, error) {
	if cfg.URL == "" {
		return nil, base.NewDriverError(cfg.Name, "connect", "connection URL is required", nil)
	}

	dsn := injectCredentials(cfg.URL, cfg.Credentials)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, base.NewDriverError(cfg.Name, "connect", "failed to open connection pool", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConns
	}
	connMaxLifetime := DefaultConnMaxLifetime
	if val := cfg.OptionString("conn_max_lifetime", ""); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			connMaxLifetime = duration
		}
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)

	return &Driver{cfg: cfg, db: db}, nil
}

// SetLogger installs the diagnostic event sink.
func (d *Driver) SetLogger(events logger.EventLogger) {
	d.events = events
}

// TestConnection verifies the database is reachable.
func (d *Driver) TestConnection(ctx context.Context) error {
	if d.db == nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "connection pool is closed", nil)
	}

	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := d.db.PingContext(pingCtx); err != nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "failed to ping database", err)
	}

	d.announce.Do(func() {
		if d.events != nil {
			d.events.Event("Driver Connection", map[string]interface{}{
				"driver":     "postgres",
				"dataSource": d.cfg.Name,
				"target":     base.RedactURL(d.cfg.URL),
				"latencyMs":  time.Since(start).Milliseconds(),
			})
		}
	})

	return nil
}

// Release closes the connection pool.
func (d *Driver) Release(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return base.NewDriverError(d.cfg.Name, "release", "failed to close connection pool", err)
	}
	return nil
}

// Query executes a SELECT statement and returns row maps. PostgreSQL uses
// $1, $2, ... positional placeholders.
func (d *Driver) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	if d.db == nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "connection pool is closed", nil)
	}

	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := d.db.QueryContext(queryCtx, stmt, args...)
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "query execution failed", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "failed to get columns", err)
	}

	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, base.NewDriverError(d.cfg.Name, "query", "failed to scan row", err)
		}

		row := make(map[string]interface{})
		for i, col := range columns {
			val := values[i]
			// Convert []byte to string for text/varchar fields
			if b, ok := val.([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = val
			}
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "error during row iteration", err)
	}

	return results, nil
}

// injectCredentials adds separately resolved credentials to a URL-form DSN
// that carries no userinfo of its own. Key=value DSNs are returned unchanged;
// they carry credentials inline.
func injectCredentials(rawURL string, creds map[string]string) string {
	username := creds["username"]
	if username == "" {
		return rawURL
	}
	if !strings.Contains(rawURL, "://") {
		return rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.User != nil {
		return rawURL
	}

	if password, ok := creds["password"]; ok {
		parsed.User = url.UserPassword(username, password)
	} else {
		parsed.User = url.User(username)
	}
	return parsed.String()
}
