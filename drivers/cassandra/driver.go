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

package cassandra

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql" // Cassandra/Scylla driver

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
	"quarry/platform/shared/logger"
)

const (
	// DefaultTimeout is the default request timeout for the cluster
	DefaultTimeout = 5 * time.Second
	// DefaultNumConns is the default number of connections per host
	DefaultNumConns = 2
)

func init() {
	catalog.Register("cassandra", func(cfg *base.Config) (base.Driver, error) {
		return New(cfg)
	})
}

// Driver serves an Apache Cassandra / ScyllaDB data source. Session creation
// dials the cluster, so it is deferred to the first probe or query.
type Driver struct {
	cfg     *base.Config
	cluster *gocql.ClusterConfig
	events  logger.EventLogger

	mu      sync.Mutex
	session *gocql.Session

	announce sync.Once
}

var (
	_ base.Driver      = (*Driver)(nil)
	_ base.Queryable   = (*Driver)(nil)
	_ base.LoggerAware = (*Driver)(nil)
)

// New builds a Cassandra driver from its configuration. The URL names the
// contact points and keyspace: cassandra://host1:9042,host2:9042/keyspace.
func New(cfg *base.Config) (*Driver, error) {
	hosts, keyspace, err := parseURL(cfg.URL)
	if err != nil {
		return nil, base.NewDriverError(cfg.Name, "connect", "invalid connection URL", err)
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = parseConsistency(cfg.OptionString("consistency", "QUORUM"))

	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	} else {
		cluster.Timeout = DefaultTimeout
	}
	cluster.NumConns = cfg.OptionInt("num_conns", DefaultNumConns)

	if username, ok := cfg.Credentials["username"]; ok {
		if password, ok := cfg.Credentials["password"]; ok {
			cluster.Authenticator = gocql.PasswordAuthenticator{
				Username: username,
				Password: password,
			}
		}
	}

	return &Driver{cfg: cfg, cluster: cluster}, nil
}

// SetLogger installs the diagnostic event sink.
func (d *Driver) SetLogger(events logger.EventLogger) {
	d.events = events
}

// ensureSession creates the cluster session on first use.
func (d *Driver) ensureSession() (*gocql.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		return d.session, nil
	}

	session, err := d.cluster.CreateSession()
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "connect", "failed to create session", err)
	}
	d.session = session
	return session, nil
}

// TestConnection verifies the cluster is reachable by reading the release
// version off the local node.
func (d *Driver) TestConnection(ctx context.Context) error {
	session, err := d.ensureSession()
	if err != nil {
		return err
	}

	start := time.Now()
	var releaseVersion string
	err = session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&releaseVersion)
	if err != nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "failed to query system.local", err)
	}

	d.announce.Do(func() {
		if d.events != nil {
			d.events.Event("Driver Connection", map[string]interface{}{
				"driver":         "cassandra",
				"dataSource":     d.cfg.Name,
				"keyspace":       d.cluster.Keyspace,
				"releaseVersion": releaseVersion,
				"latencyMs":      time.Since(start).Milliseconds(),
			})
		}
	})

	return nil
}

// Release closes the cluster session.
func (d *Driver) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil {
		return nil
	}
	d.session.Close()
	d.session = nil
	return nil
}

// Query executes a CQL SELECT and returns row maps. CQL uses ? positional
// placeholders.
func (d *Driver) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	session, err := d.ensureSession()
	if err != nil {
		return nil, err
	}

	iter := session.Query(stmt, args...).WithContext(ctx).Iter()

	results := make([]map[string]interface{}, 0)
	for {
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}
		results = append(results, row)
	}

	if err := iter.Close(); err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "query execution failed", err)
	}

	return results, nil
}

// parseURL splits a connection URL into contact points and keyspace.
// Format: cassandra://host1:port,host2:port/keyspace
func parseURL(url string) ([]string, string, error) {
	url = strings.TrimPrefix(url, "cassandra://")

	parts := strings.Split(url, "/")
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("invalid connection URL format (expected: cassandra://host:port/keyspace)")
	}

	hosts := strings.Split(parts[0], ",")
	keyspace := parts[1]

	if len(hosts) == 0 || hosts[0] == "" || keyspace == "" {
		return nil, "", fmt.Errorf("invalid connection URL: missing hosts or keyspace")
	}

	return hosts, keyspace, nil
}

// parseConsistency converts a consistency level name to gocql.Consistency.
// Unknown names fall back to QUORUM.
func parseConsistency(level string) gocql.Consistency {
	switch strings.ToUpper(level) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	case "LOCAL_ONE":
		return gocql.LocalOne
	default:
		return gocql.Quorum
	}
}
