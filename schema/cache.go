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

package schema

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// DefaultCacheCapacity bounds the compiler cache when no explicit capacity
// is configured.
const DefaultCacheCapacity = 250

// CacheOptions configures a CompilerCache.
type CacheOptions struct {
	// Capacity is the maximum number of tenants held at once. Values <= 0
	// fall back to DefaultCacheCapacity.
	Capacity int

	// MaxAge expires entries that have been stored longer than this.
	// Zero disables expiry entirely.
	MaxAge time.Duration

	// KeepAliveOnRead restarts an entry's expiry clock on every hit, so
	// only tenants idle for a full MaxAge expire.
	KeepAliveOnRead bool

	// SweepInterval overrides how often the background sweep runs. Zero
	// picks MaxAge/2 with a one second floor. Ignored when MaxAge is zero.
	SweepInterval time.Duration
}

type cacheEntry struct {
	service   *Service
	version   string
	storedAt  time.Time
	expiresAt time.Time
}

// CacheStats tracks cache effectiveness metrics.
type CacheStats struct {
	mu           sync.RWMutex
	Hits         int64
	Misses       int64
	Evictions    int64
	LastEviction time.Time
}

func (cs *CacheStats) recordHit() {
	cs.mu.Lock()
	cs.Hits++
	cs.mu.Unlock()
}

func (cs *CacheStats) recordMiss() {
	cs.mu.Lock()
	cs.Misses++
	cs.mu.Unlock()
}

func (cs *CacheStats) recordEviction() {
	cs.mu.Lock()
	cs.Evictions++
	cs.LastEviction = time.Now()
	cs.mu.Unlock()
}

// HitRate returns the cache hit rate as a percentage.
func (cs *CacheStats) HitRate() float64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}
	return float64(cs.Hits) / float64(total) * 100
}

// EntryInfo is a point-in-time view of one cached tenant, for inspection.
type EntryInfo struct {
	Key       string    `json:"key"`
	Version   string    `json:"version"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// CompilerCache holds per-tenant compilation services keyed by tenant,
// bounded by LRU eviction. Entries may additionally carry a maximum age;
// aged-out entries miss on read and are removed by a background sweep, so
// idle tenants are dropped even when nothing reads them.
type CompilerCache struct {
	mu        sync.Mutex
	lru       *lru.Cache
	entries   map[string]*cacheEntry
	capacity  int
	maxAge    time.Duration
	keepAlive bool
	stats     CacheStats

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCompilerCache creates a cache with the given options. When MaxAge is
// set the background sweep starts immediately; Close stops it.
func NewCompilerCache(opts CacheOptions) *CompilerCache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}

	c := &CompilerCache{
		lru:       lru.New(capacity),
		entries:   make(map[string]*cacheEntry),
		capacity:  capacity,
		maxAge:    opts.MaxAge,
		keepAlive: opts.KeepAliveOnRead,
	}
	c.lru.OnEvicted = c.onEvicted

	if c.maxAge > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = c.maxAge / 2
			if interval < time.Second {
				interval = time.Second
			}
		}
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.sweepLoop(interval)
	}
	return c
}

// onEvicted keeps the iteration map in sync with the LRU list. It runs with
// c.mu held, from the lru calls in Put, Get, InvalidateAll and the sweep.
func (c *CompilerCache) onEvicted(key lru.Key, _ interface{}) {
	if k, ok := key.(string); ok {
		delete(c.entries, k)
	}
	c.stats.recordEviction()
}

// Get returns the cached service for a tenant and refreshes its LRU
// position. An entry past its age limit is removed and reported as a miss.
func (c *CompilerCache) Get(key string) (*Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.stats.recordMiss()
		return nil, false
	}
	entry := v.(*cacheEntry)

	if c.maxAge > 0 && time.Now().After(entry.expiresAt) {
		c.lru.Remove(key)
		c.stats.recordMiss()
		return nil, false
	}

	if c.keepAlive && c.maxAge > 0 {
		entry.expiresAt = time.Now().Add(c.maxAge)
	}
	c.stats.recordHit()
	return entry.service, true
}

// Put stores the service for a tenant, evicting the least recently used
// entry when the cache is full. The service's current version is recorded
// for inspection; a version change alone never evicts anything.
func (c *CompilerCache) Put(key string, service *Service) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry := &cacheEntry{
		service:  service,
		version:  service.Version(),
		storedAt: now,
	}
	if c.maxAge > 0 {
		entry.expiresAt = now.Add(c.maxAge)
	}
	c.entries[key] = entry
	c.lru.Add(key, entry)
}

// InvalidateAll drops every entry and returns how many were removed.
func (c *CompilerCache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.lru.Clear()
	return n
}

// Len returns the number of cached tenants.
func (c *CompilerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the configured maximum number of entries.
func (c *CompilerCache) Capacity() int {
	return c.capacity
}

// Entries returns a snapshot of all cached tenants sorted by key.
func (c *CompilerCache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, EntryInfo{
			Key:       k,
			Version:   e.version,
			StoredAt:  e.storedAt,
			ExpiresAt: e.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns a copy of the current cache statistics.
func (c *CompilerCache) Stats() CacheStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return CacheStats{
		Hits:         c.stats.Hits,
		Misses:       c.stats.Misses,
		Evictions:    c.stats.Evictions,
		LastEviction: c.stats.LastEviction,
	}
}

// sweepExpired removes all aged-out entries and returns how many it
// removed.
func (c *CompilerCache) sweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxAge <= 0 {
		return 0
	}
	now := time.Now()
	expired := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.lru.Remove(key)
			expired++
		}
	}
	return expired
}

func (c *CompilerCache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stop:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times and
// is a no-op when expiry is disabled.
func (c *CompilerCache) Close() {
	if c.stop == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
