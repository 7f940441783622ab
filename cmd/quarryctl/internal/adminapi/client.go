// Package adminapi provides a client for the Quarry server admin API.
package adminapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client is a client for the Quarry admin HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status        string                            `json:"status"`
	Service       string                            `json:"service"`
	Version       string                            `json:"version"`
	Timestamp     time.Time                         `json:"timestamp"`
	UptimeSeconds int64                             `json:"uptime_seconds"`
	Components    map[string]map[string]interface{} `json:"components"`
}

// ReadyReport is the /ready response body.
type ReadyReport struct {
	Status      string            `json:"status"`
	Tenants     int               `json:"tenants"`
	Failed      int               `json:"failed"`
	Connections map[string]string `json:"connections"`
}

// CacheEntry describes one cached tenant in the /admin/cache response.
type CacheEntry struct {
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CacheStats carries the hit counters in the /admin/cache response.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// CacheReport is the /admin/cache response body.
type CacheReport struct {
	Entries  []CacheEntry `json:"entries"`
	Count    int          `json:"count"`
	Capacity int          `json:"capacity"`
	Stats    CacheStats   `json:"stats"`
}

// ConnectionsReport is the /admin/connections/{test,release} response body.
type ConnectionsReport struct {
	Success     bool              `json:"success"`
	Tenants     int               `json:"tenants"`
	Failed      int               `json:"failed"`
	Connections map[string]string `json:"connections"`
}

type invalidateResponse struct {
	Success     bool `json:"success"`
	Invalidated int  `json:"invalidated"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// NewClient creates a new admin API client. An empty token disables the
// Authorization header, matching a server running without an API secret.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// MintToken signs a short-lived HMAC token with the shared API secret. The
// server accepts any token the secret verifies, so minimal claims suffice.
func MintToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "quarryctl",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Health fetches the server liveness report.
func (c *Client) Health() (*HealthReport, error) {
	var health HealthReport
	if err := c.doJSON("GET", "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Ready fetches the readiness report. A 503 still carries a valid body with
// the per-tenant failures, so it is returned rather than treated as an error.
func (c *Client) Ready() (*ReadyReport, error) {
	req, err := c.newRequest("GET", "/ready")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, c.statusError(resp)
	}

	var ready ReadyReport
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &ready, nil
}

// CacheStatus fetches the compiler cache contents and hit counters.
func (c *Client) CacheStatus() (*CacheReport, error) {
	var report CacheReport
	if err := c.doJSON("GET", "/admin/cache", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// CacheInvalidate drops every compiler cache entry and returns how many were
// removed.
func (c *Client) CacheInvalidate() (int, error) {
	var result invalidateResponse
	if err := c.doJSON("POST", "/admin/cache/invalidate", &result); err != nil {
		return 0, err
	}
	return result.Invalidated, nil
}

// ConnectionsTest probes every tenant's data-source connections.
func (c *Client) ConnectionsTest() (*ConnectionsReport, error) {
	var report ConnectionsReport
	if err := c.doJSON("GET", "/admin/connections/test", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ConnectionsRelease releases every tenant's data-source connections.
func (c *Client) ConnectionsRelease() (*ConnectionsReport, error) {
	var report ConnectionsReport
	if err := c.doJSON("POST", "/admin/connections/release", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// doJSON performs a request against the admin API and decodes a 200 body
// into out.
func (c *Client) doJSON(method, path string, out interface{}) error {
	req, err := c.newRequest(method, path)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(method, path string) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// statusError turns a non-OK response into an error, preferring the server's
// own error message when the body carries one.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
