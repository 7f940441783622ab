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

package base

import (
	"context"
	"time"

	"quarry/platform/shared/logger"
)

// Driver is the capability contract every data-source handle must satisfy.
// Handles are owned exclusively by the connection broker slot that resolved
// them until Release is called; implementations manage their own pooling and
// latency behavior internally.
type Driver interface {
	// TestConnection verifies the handle can reach its backend.
	TestConnection(ctx context.Context) error

	// Release closes the handle and frees underlying resources. Release is
	// best-effort during teardown: callers log failures rather than retry.
	Release(ctx context.Context) error
}

// LoggerAware is an optional capability: drivers that implement it receive
// the runtime's diagnostic event sink right after construction, before the
// connection test runs.
type LoggerAware interface {
	SetLogger(events logger.EventLogger)
}

// Queryable is an optional capability for drivers that can serve row-shaped
// reads. The runtime core never calls it; the query-serving layer does.
type Queryable interface {
	Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error)
}

// Config holds the construction parameters for a driver instance.
type Config struct {
	Name         string                 `json:"name" yaml:"name"`                   // Unique name for this data source
	Type         string                 `json:"type" yaml:"type"`                   // Driver type: postgres, mysql, cassandra, mongodb, redis
	URL          string                 `json:"url" yaml:"url"`                     // Connection string (DSN)
	Credentials  map[string]string      `json:"credentials" yaml:"credentials"`     // Username, password, tokens
	Options      map[string]interface{} `json:"options" yaml:"options"`             // Driver-specific options
	Timeout      time.Duration          `json:"timeout" yaml:"timeout"`             // Dial/operation timeout used internally by drivers
	MaxOpenConns int                    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int                    `json:"max_idle_conns" yaml:"max_idle_conns"`
	TenantID     string                 `json:"tenant_id" yaml:"tenant_id"` // For multi-tenancy isolation
}

// OptionString reads a string option with a fallback.
func (c *Config) OptionString(key, fallback string) string {
	if c.Options == nil {
		return fallback
	}
	if v, ok := c.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// OptionInt reads an integer option with a fallback. YAML and JSON decoders
// differ on numeric types, so both int and float64 are accepted.
func (c *Config) OptionInt(key string, fallback int) int {
	if c.Options == nil {
		return fallback
	}
	switch v := c.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// DriverError represents errors specific to driver operations
type DriverError struct {
	DriverName string
	Operation  string
	Message    string
	Cause      error
}

func (e *DriverError) Error() string {
	if e.Cause != nil {
		return e.DriverName + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.DriverName + "." + e.Operation + ": " + e.Message
}

func (e *DriverError) Unwrap() error {
	return e.Cause
}

// NewDriverError creates a new DriverError
func NewDriverError(driverName, operation, message string, cause error) *DriverError {
	return &DriverError{
		DriverName: driverName,
		Operation:  operation,
		Message:    message,
		Cause:      cause,
	}
}
