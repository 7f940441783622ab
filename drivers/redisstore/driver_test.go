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

package redisstore

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"quarry/platform/drivers/base"
	"quarry/platform/drivers/catalog"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Event(name string, params map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func newTestDriver(t *testing.T) (*Driver, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	d, err := New(&base.Config{
		Name: "external",
		Type: "redis",
		URL:  "redis://" + mr.Addr(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = d.Release(context.Background()) })
	return d, mr
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(&base.Config{Name: "external", Type: "redis", URL: "http://localhost:6379"})
	if err == nil {
		t.Fatal("expected error for non-redis URL scheme")
	}
	if !strings.Contains(err.Error(), "invalid connection URL") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	d, mr := newTestDriver(t)

	if err := d.TestConnection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.Close()
	if err := d.TestConnection(context.Background()); err == nil {
		t.Fatal("expected error after server shutdown")
	}
}

func TestTestConnectionAnnouncesOnce(t *testing.T) {
	d, _ := newTestDriver(t)

	rec := &eventRecorder{}
	d.SetLogger(rec)

	for i := 0; i < 3; i++ {
		if err := d.TestConnection(context.Background()); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if got := rec.count("Driver Connection"); got != 1 {
		t.Errorf("Driver Connection events = %d, want 1", got)
	}
}

func TestGetSetDelete(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()

	if err := d.Set(ctx, "rollup:acme:daily", `{"rows":3}`, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, found, err := d.Get(ctx, "rollup:acme:daily")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected key to exist")
	}
	if val != `{"rows":3}` {
		t.Errorf("Get = %q, want %q", val, `{"rows":3}`)
	}

	_, found, err = d.Get(ctx, "rollup:acme:missing")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if found {
		t.Error("expected missing key to report not found")
	}

	removed, err := d.Delete(ctx, "rollup:acme:daily", "rollup:acme:missing")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if removed != 1 {
		t.Errorf("Delete removed = %d, want 1", removed)
	}

	removed, err = d.Delete(ctx)
	if err != nil {
		t.Fatalf("Delete with no keys: %v", err)
	}
	if removed != 0 {
		t.Errorf("Delete with no keys removed = %d, want 0", removed)
	}
}

func TestSetWithTTL(t *testing.T) {
	d, mr := newTestDriver(t)
	ctx := context.Background()

	if err := d.Set(ctx, "session:abc", "1", 30*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(31 * time.Second)

	_, found, err := d.Get(ctx, "session:abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Error("expected key to expire")
	}
}

func TestBuildOptionsFromDiscreteOptions(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("hunter2")

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	d, err := New(&base.Config{
		Name:        "external",
		Type:        "redis",
		Credentials: map[string]string{"password": "hunter2"},
		Options: map[string]interface{}{
			"host": host,
			"port": port,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Release(context.Background())

	if err := d.TestConnection(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPoolSettings(t *testing.T) {
	mr := miniredis.RunT(t)

	d, err := New(&base.Config{
		Name:         "external",
		Type:         "redis",
		URL:          "redis://" + mr.Addr(),
		MaxOpenConns: 12,
		MaxIdleConns: 2,
		Timeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Release(context.Background())

	opts := d.client.Options()
	if opts.PoolSize != 12 {
		t.Errorf("PoolSize = %d, want 12", opts.PoolSize)
	}
	if opts.MinIdleConns != 2 {
		t.Errorf("MinIdleConns = %d, want 2", opts.MinIdleConns)
	}
	if opts.DialTimeout != time.Second {
		t.Errorf("DialTimeout = %v, want 1s", opts.DialTimeout)
	}
}

func TestCatalogRegistersRedisType(t *testing.T) {
	if !catalog.Supported("redis") {
		t.Fatal("expected redis to be registered")
	}

	mr := miniredis.RunT(t)
	drv, err := catalog.New("redis", &base.Config{
		Name: "external",
		Type: "redis",
		URL:  "redis://" + mr.Addr(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer drv.Release(context.Background())

	if _, ok := drv.(*Driver); !ok {
		t.Errorf("catalog returned %T, want *Driver", drv)
	}
}
