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

package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
	"quarry/platform/shared/logger"
)

const (
	// DefaultMaxPoolSize is the default maximum connection pool size
	DefaultMaxPoolSize = 100
	// DefaultMinPoolSize is the default minimum connection pool size
	DefaultMinPoolSize = 10
	// DefaultConnectTimeout is the default connection timeout
	DefaultConnectTimeout = 10 * time.Second
	// DefaultPingTimeout bounds the connection probe
	DefaultPingTimeout = 10 * time.Second
)

func init() {
	catalog.Register("mongodb", func(cfg *base.Config) (base.Driver, error) {
		return New(cfg)
	})
}

// Driver serves a MongoDB data source. The client connects lazily on the
// first probe or command; queries are expressed as database commands in
// extended JSON and executed through RunCommand.
type Driver struct {
	cfg    *base.Config
	opts   *options.ClientOptions
	dbName string
	events logger.EventLogger

	mu     sync.Mutex
	client *mongo.Client

	announce sync.Once
}

var (
	_ base.Driver      = (*Driver)(nil)
	_ base.Queryable   = (*Driver)(nil)
	_ base.LoggerAware = (*Driver)(nil)
)

// New builds a MongoDB driver from its configuration. Works against
// MongoDB 4.0+ standalone servers and replica sets.
func New(cfg *base.Config) (*Driver, error) {
	if cfg.URL == "" {
		return nil, base.NewDriverError(cfg.Name, "connect", "connection URL is required", nil)
	}

	dbName, err := databaseName(cfg)
	if err != nil {
		return nil, base.NewDriverError(cfg.Name, "connect", "database name is required", err)
	}

	clientOpts := options.Client().ApplyURI(cfg.URL)

	maxPool := uint64(DefaultMaxPoolSize)
	if cfg.MaxOpenConns > 0 {
		maxPool = uint64(cfg.MaxOpenConns)
	}
	minPool := uint64(DefaultMinPoolSize)
	if cfg.MaxIdleConns > 0 {
		minPool = uint64(cfg.MaxIdleConns)
	}
	clientOpts.SetMaxPoolSize(maxPool)
	clientOpts.SetMinPoolSize(minPool)

	connectTimeout := DefaultConnectTimeout
	if val := cfg.OptionString("connect_timeout", ""); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			connectTimeout = duration
		}
	}
	clientOpts.SetConnectTimeout(connectTimeout)

	if val := cfg.OptionString("server_selection_timeout", ""); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			clientOpts.SetServerSelectionTimeout(duration)
		}
	}

	switch strings.ToLower(cfg.OptionString("read_preference", "")) {
	case "primary":
		clientOpts.SetReadPreference(readpref.Primary())
	case "primarypreferred":
		clientOpts.SetReadPreference(readpref.PrimaryPreferred())
	case "secondary":
		clientOpts.SetReadPreference(readpref.Secondary())
	case "secondarypreferred":
		clientOpts.SetReadPreference(readpref.SecondaryPreferred())
	case "nearest":
		clientOpts.SetReadPreference(readpref.Nearest())
	}

	clientOpts.SetAppName(cfg.OptionString("app_name", "Quarry-MongoDB-Driver"))
	clientOpts.SetRetryWrites(true)
	clientOpts.SetRetryReads(true)

	return &Driver{cfg: cfg, opts: clientOpts, dbName: dbName}, nil
}

// SetLogger installs the diagnostic event sink.
func (d *Driver) SetLogger(events logger.EventLogger) {
	d.events = events
}

// ensureClient connects the client on first use.
func (d *Driver) ensureClient(ctx context.Context) (*mongo.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	client, err := mongo.Connect(ctx, d.opts)
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "connect", "failed to connect to MongoDB", err)
	}
	d.client = client
	return client, nil
}

// TestConnection verifies the server is reachable.
func (d *Driver) TestConnection(ctx context.Context) error {
	client, err := d.ensureClient(ctx)
	if err != nil {
		return err
	}

	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return base.NewDriverError(d.cfg.Name, "testConnection", "failed to ping MongoDB", err)
	}

	d.announce.Do(func() {
		if d.events != nil {
			d.events.Event("Driver Connection", map[string]interface{}{
				"driver":     "mongodb",
				"dataSource": d.cfg.Name,
				"database":   d.dbName,
				"target":     base.RedactURL(d.cfg.URL),
				"latencyMs":  time.Since(start).Milliseconds(),
			})
		}
	})

	return nil
}

// Release disconnects the client.
func (d *Driver) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}

	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := d.client.Disconnect(disconnectCtx); err != nil {
		return base.NewDriverError(d.cfg.Name, "release", "failed to disconnect", err)
	}
	d.client = nil
	return nil
}

// Query runs a database command and returns its reply as a single row. The
// statement is an extended JSON command document, the same shape the mongo
// shell's runCommand takes; values are encoded in the document itself, so
// positional arguments are rejected.
func (d *Driver) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	if len(args) > 0 {
		return nil, base.NewDriverError(d.cfg.Name, "query",
			"positional arguments are not supported; encode values in the command document", nil)
	}

	cmd, err := parseCommand(stmt)
	if err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "invalid command document", err)
	}

	client, err := d.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	var result bson.M
	if err := client.Database(d.dbName).RunCommand(ctx, cmd).Decode(&result); err != nil {
		return nil, base.NewDriverError(d.cfg.Name, "query", "command execution failed", err)
	}

	return []map[string]interface{}{result}, nil
}

// parseCommand decodes an extended JSON command document. bson.D preserves
// key order, which matters because the first key names the command.
func parseCommand(stmt string) (bson.D, error) {
	var cmd bson.D
	if err := bson.UnmarshalExtJSON([]byte(stmt), false, &cmd); err != nil {
		return nil, err
	}
	if len(cmd) == 0 {
		return nil, fmt.Errorf("empty command document")
	}
	return cmd, nil
}

// databaseName resolves the target database from the database option or the
// URL path.
func databaseName(cfg *base.Config) (string, error) {
	if name := cfg.OptionString("database", ""); name != "" {
		return name, nil
	}

	parsed, err := url.Parse(cfg.URL)
	if err == nil {
		if name := strings.TrimPrefix(parsed.Path, "/"); name != "" {
			return name, nil
		}
	}

	return "", fmt.Errorf("set the database option or include a database in the URL path")
}
