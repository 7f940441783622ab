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

package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

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
	// DefaultConnMaxIdleTime is the default maximum idle time for connections
	DefaultConnMaxIdleTime = 5 * time.Minute
	// DefaultPingTimeout bounds the connection probe
	DefaultPingTimeout = 10 * time.Second
	// DefaultQueryTimeout is the default query timeout
	DefaultQueryTimeout = 30 * time.Second
)

func init() {
	catalog.Register("mysql", func(cfg *base.Config) (base.Driver, error) {
		return New(cfg)
	})
}

// Driver serves a MySQL data source through database/sql. Works against
// MySQL 5.7+ and 8.0+; the pool is configured at construction and dials
// lazily.
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

// New builds a MySQL driver from its configuration. The URL is a
// go-sql-driver DSN (user:pass@tcp(host:port)/dbname).
func New(cfg *base.Config) (*Driver, error) {
	if cfg.URL == "" {
		return nil, base.NewDriverError(cfg.Name, "connect", "connection URL is required", nil)
	}

	dsn := enhanceDSN(cfg.URL, cfg.Credentials)

	db, err := sql.Open("mysql", dsn)
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
	connMaxIdleTime := DefaultConnMaxIdleTime
	if val := cfg.OptionString("conn_max_idle_time", ""); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			connMaxIdleTime = duration
		}
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

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
				"driver":     "mysql",
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

// Query executes a SELECT statement and returns row maps. MySQL uses ?
// positional placeholders.
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
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "failed to get column types", err)
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
			row[col] = convertValue(values[i], columnTypes[i].DatabaseTypeName())
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "error during row iteration", err)
	}

	return results, nil
}

// enhanceDSN makes sure a DSN is usable as-is: parseTime is required for
// DATE/DATETIME scanning into time.Time, and separately resolved credentials
// are prepended when the DSN carries none.
func enhanceDSN(dsn string, creds map[string]string) string {
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	if username := creds["username"]; username != "" && !strings.Contains(dsn, "@") {
		dsn = fmt.Sprintf("%s:%s@%s", username, creds["password"], dsn)
	}

	return dsn
}

// convertValue maps raw scan values onto Go types the serving layer can
// serialize. MySQL returns most columns as []byte; text types become string,
// DECIMAL stays a string to preserve precision, and binary types keep their
// bytes.
func convertValue(val interface{}, dbType string) interface{} {
	b, ok := val.([]byte)
	if !ok {
		return val
	}

	typeName := strings.ToUpper(dbType)
	switch {
	case strings.Contains(typeName, "CHAR"),
		strings.Contains(typeName, "TEXT"),
		strings.Contains(typeName, "ENUM"),
		strings.Contains(typeName, "SET"),
		typeName == "JSON":
		return string(b)
	case strings.Contains(typeName, "DECIMAL"),
		strings.Contains(typeName, "NUMERIC"):
		return string(b)
	default:
		return b
	}
}
