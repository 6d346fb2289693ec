package recurrence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	occurrences []time.Time
	expiresAt   time.Time
	accessedAt  time.Time
}

// Cache memoizes expansion results. It is safe for concurrent use.
type Cache struct {
	entries         map[string]*cacheEntry
	mutex           sync.RWMutex
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once

	hits   int
	misses int
}

// CacheConfig holds configuration for the expansion cache
type CacheConfig struct {
	TTL             time.Duration // How long entries stay valid
	MaxEntries      int           // Maximum number of entries before eviction
	CleanupInterval time.Duration // How often to run cleanup
}

var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// CacheStats provides information about cache contents and effectiveness
type CacheStats struct {
	TotalEntries   int
	ExpiredEntries int
	ActiveEntries  int
	Hits           int
	Misses         int
}

// NewCache creates a cache and starts its cleanup goroutine. Call Close to stop it.
func NewCache(config CacheConfig) *Cache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}

	c := &Cache{
		entries:         make(map[string]*cacheEntry),
		ttl:             config.TTL,
		maxEntries:      config.MaxEntries,
		cleanupInterval: config.CleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// cacheKey hashes everything that influences an expansion result.
type cacheKey struct {
	Operation         string      `json:"op"`
	Start             string      `json:"start"`
	Rule              Rule        `json:"rule"`
	TimeZone          string      `json:"tz"`
	From              string      `json:"from,omitempty"`
	Until             string      `json:"until,omitempty"`
	Count             int         `json:"count,omitempty"`
	ExceptionDates    []time.Time `json:"ex,omitempty"`
	IncludeExceptions bool        `json:"incEx"`
}

func (c *Cache) key(operation string, start time.Time, rule Rule, opts Options) string {
	k := cacheKey{
		Operation:         operation,
		Start:             start.Format(time.RFC3339Nano),
		Rule:              rule,
		TimeZone:          opts.TimeZone,
		Count:             opts.Count.OrEmpty(),
		ExceptionDates:    opts.ExceptionDates,
		IncludeExceptions: opts.IncludeExceptions,
	}
	if from, ok := opts.From.Get(); ok {
		k.From = from.Format(time.RFC3339Nano)
	}
	if until, ok := opts.Until.Get(); ok {
		k.Until = until.Format(time.RFC3339Nano)
	}

	// marshalling a plain struct cannot fail
	raw, _ := json.Marshal(k)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of a cached expansion if present and unexpired.
func (c *Cache) Get(operation string, start time.Time, rule Rule, opts Options) ([]time.Time, bool) {
	key := c.key(operation, start, rule, opts)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	entry.accessedAt = now
	c.hits++
	return slices.Clone(entry.occurrences), true
}

// Set stores a copy of an expansion result.
func (c *Cache) Set(operation string, start time.Time, rule Rule, opts Options, occurrences []time.Time) {
	key := c.key(operation, start, rule, opts)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &cacheEntry{
		occurrences: slices.Clone(occurrences),
		expiresAt:   now.Add(c.ttl),
		accessedAt:  now,
	}
	if len(c.entries) > c.maxEntries {
		c.cleanup()
	}
}

// cleanup removes expired entries, then the least recently used ones while
// the cache is over its limit. Callers hold the write lock.
func (c *Cache) cleanup() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].accessedAt.Before(c.entries[keys[j]].accessedAt)
	})
	for _, key := range keys[:len(c.entries)-c.maxEntries] {
		delete(c.entries, key)
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			c.cleanup()
			c.mutex.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache. It is idempotent.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		c.mutex.Lock()
		c.entries = make(map[string]*cacheEntry)
		c.mutex.Unlock()
	})
}

func (c *Cache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	expired := 0
	now := time.Now()
	for _, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired++
		}
	}
	return CacheStats{
		TotalEntries:   len(c.entries),
		ExpiredEntries: expired,
		ActiveEntries:  len(c.entries) - expired,
		Hits:           c.hits,
		Misses:         c.misses,
	}
}
