// Copyright 2025 Tom Barlow
//
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

package tools

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cache defaults.
const (
	DefaultCacheCapacity = 1024
	DefaultCacheTTL      = 5 * time.Minute
)

// resultCache is a bounded LRU with per-entry TTL. Expired entries are
// evicted lazily on access.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	key       string
	result    map[string]any
	expiresAt time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *resultCache) get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.result, true
}

func (c *resultCache) put(key string, result map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.result = result
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	for len(c.entries) >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	el := c.order.PushFront(&cacheEntry{
		key:       key,
		result:    result,
		expiresAt: time.Now().Add(c.ttl),
	})
	c.entries[key] = el
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CachingInterceptor serves repeated invocations from a bounded TTL
// cache keyed by (tool name, input fingerprint). A hit short-circuits
// the chain, so the interceptor records its own hit counter rather
// than relying on a later interceptor's After hook.
type CachingInterceptor struct {
	cache *resultCache
	hits  *prometheus.CounterVec
}

// CachingOption configures the caching interceptor.
type CachingOption func(*CachingInterceptor)

// WithCacheCapacity bounds the number of cached results.
func WithCacheCapacity(n int) CachingOption {
	return func(c *CachingInterceptor) {
		if n > 0 {
			c.cache.capacity = n
		}
	}
}

// WithCacheTTL sets the per-entry lifetime.
func WithCacheTTL(d time.Duration) CachingOption {
	return func(c *CachingInterceptor) {
		if d > 0 {
			c.cache.ttl = d
		}
	}
}

// WithCacheRegisterer registers a per-tool cache-hit counter with reg.
// Without it, hits are not counted.
func WithCacheRegisterer(reg prometheus.Registerer) CachingOption {
	return func(c *CachingInterceptor) {
		c.hits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "tools",
			Name:      "cache_hits_total",
			Help:      "Tool invocations served from the result cache.",
		}, []string{"tool"})
		reg.MustRegister(c.hits)
	}
}

// NewCachingInterceptor creates the caching interceptor.
func NewCachingInterceptor(opts ...CachingOption) *CachingInterceptor {
	c := &CachingInterceptor{
		cache: newResultCache(DefaultCacheCapacity, DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachingInterceptor) Name() string      { return "caching" }
func (c *CachingInterceptor) Order() int        { return 10 }
func (c *CachingInterceptor) StopOnError() bool { return false }

// Before serves a cache hit by marking the invocation skipped; on a
// miss it asks the chain to persist a successful result.
func (c *CachingInterceptor) Before(ctx context.Context, inv *Invocation) error {
	key, err := cacheKey(inv.Tool.Name(), inv.Input)
	if err != nil {
		return err
	}
	inv.Metadata["cacheKey"] = key

	if result, ok := c.cache.get(key); ok {
		inv.Skip = true
		inv.CachedResult = result
		inv.Metadata["cached"] = true
		if c.hits != nil {
			c.hits.WithLabelValues(inv.Tool.Name()).Inc()
		}
		return nil
	}
	inv.CacheOnSuccess = true
	return nil
}

func (c *CachingInterceptor) After(ctx context.Context, inv *Invocation, result map[string]any) error {
	if inv.Skip || !inv.CacheOnSuccess {
		return nil
	}
	key, ok := inv.Metadata["cacheKey"].(string)
	if !ok {
		return nil
	}
	c.cache.put(key, result)
	return nil
}

func (c *CachingInterceptor) OnError(ctx context.Context, inv *Invocation, err error) {}

// cacheKey builds the fingerprint: tool name plus a canonical JSON
// rendering of the input. Round-tripping through encoding/json sorts
// map keys and collapses all numeric types to float64, so inputs that
// differ only in Go numeric type fingerprint identically.
func cacheKey(tool string, input map[string]any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("fingerprint input: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("fingerprint input: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint input: %w", err)
	}
	return tool + ":" + string(canonical), nil
}
