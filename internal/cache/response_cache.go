package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/narrative-runtime/internal/metrics"
	"github.com/agentflow/narrative-runtime/types"
)

// Key derives the deterministic cache key for req as seen from
// provider, hashing (prompt, provider, temperature, response_format).
func Key(req *types.LLMRequest, providerName string) string {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.4f|%s",
		req.Prompt, providerName, req.Temperature, req.ResponseFormat)))
	return hex.EncodeToString(digest[:])
}

type localEntry struct {
	response   *types.LLMResponse
	insertedAt time.Time
	expiresAt  time.Time
}

// LocalCache is the single-process response cache tier: capacity
// bounded, TTL-expiring, evicting the oldest 20% of entries once over
// capacity.
type LocalCache struct {
	mu       sync.RWMutex
	items    map[string]*localEntry
	capacity int
	ttl      time.Duration
	clock    types.Clock
	metrics  *metrics.Collector
}

// NewLocalCache builds a LocalCache with the given capacity and TTL.
func NewLocalCache(capacity int, ttl time.Duration, clock types.Clock, collector *metrics.Collector) *LocalCache {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &LocalCache{
		items:    make(map[string]*localEntry),
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		metrics:  collector,
	}
}

// Get returns the cached response for key and true, or nil and false
// if it is absent or expired (an expired entry is removed).
func (c *LocalCache) Get(key string) (*types.LLMResponse, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		c.recordMiss()
		return nil, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return entry.response, true
}

// Set inserts resp under key, evicting the oldest 20% of entries if
// the cache is already at capacity.
func (c *LocalCache) Set(key string, resp *types.LLMResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.capacity && c.capacity > 0 {
		c.evictOldest()
	}
	c.items[key] = &localEntry{
		response:   resp,
		insertedAt: now,
		expiresAt:  now.Add(c.ttl),
	}
	if c.metrics != nil {
		c.metrics.SetCacheSize("memory", len(c.items))
	}
}

// evictOldest removes the oldest 20% of entries by insertion time.
// Caller must hold c.mu.
func (c *LocalCache) evictOldest() {
	n := len(c.items)
	if n == 0 {
		return
	}
	toEvict := (n*20 + 99) / 100 // ceil(20%)
	if toEvict < 1 {
		toEvict = 1
	}

	keys := make([]string, 0, n)
	for k := range c.items {
		keys = append(keys, k)
	}
	// Partial selection sort by insertedAt ascending, bounded by toEvict.
	for i := 0; i < toEvict && i < len(keys); i++ {
		oldest := i
		for j := i + 1; j < len(keys); j++ {
			if c.items[keys[j]].insertedAt.Before(c.items[keys[oldest]].insertedAt) {
				oldest = j
			}
		}
		keys[i], keys[oldest] = keys[oldest], keys[i]
		delete(c.items, keys[i])
	}
}

func (c *LocalCache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("memory")
	}
}

func (c *LocalCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("memory")
	}
}

// Len reports the current number of entries held.
func (c *LocalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// ResponseCache composes the local tier with an optional Redis-backed
// second tier. A miss in both tiers returns nil and false.
type ResponseCache struct {
	local    *LocalCache
	redis    *Manager
	redisTTL time.Duration
	logger   *zap.Logger
	metrics  *metrics.Collector
}

// NewResponseCache builds a ResponseCache. redis may be nil when the
// Redis tier is disabled.
func NewResponseCache(local *LocalCache, redis *Manager, redisTTL time.Duration, logger *zap.Logger, collector *metrics.Collector) *ResponseCache {
	return &ResponseCache{local: local, redis: redis, redisTTL: redisTTL, logger: logger, metrics: collector}
}

// Get checks the local tier, then the Redis tier if configured.
func (rc *ResponseCache) Get(ctx context.Context, key string) (*types.LLMResponse, bool) {
	if resp, ok := rc.local.Get(key); ok {
		return resp, true
	}
	if rc.redis == nil {
		return nil, false
	}
	val, err := rc.redis.Get(ctx, key)
	if err != nil {
		if !IsCacheMiss(err) && rc.logger != nil {
			rc.logger.Warn("redis cache get failed", zap.Error(err))
		}
		if rc.metrics != nil {
			rc.metrics.RecordCacheMiss("redis")
		}
		return nil, false
	}
	var resp types.LLMResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false
	}
	if rc.metrics != nil {
		rc.metrics.RecordCacheHit("redis")
	}
	rc.local.Set(key, &resp)
	return &resp, true
}

// Set writes through to both configured tiers.
func (rc *ResponseCache) Set(ctx context.Context, key string, resp *types.LLMResponse) {
	rc.local.Set(key, resp)
	if rc.redis == nil {
		return
	}
	if err := rc.redis.SetJSON(ctx, key, resp, rc.redisTTL); err != nil && rc.logger != nil {
		rc.logger.Warn("redis cache set failed", zap.Error(err))
	}
}
