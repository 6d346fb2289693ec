package recurrence

import (
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultCount is the number of occurrences returned for unbounded rules
	// when the caller asks for no specific count.
	DefaultCount = 10
	// MaxCount caps every count-driven expansion.
	MaxCount = 730
)

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	DefaultCount int
	MaxCount     int

	// Cache configuration
	CacheEnabled bool
	CacheConfig  CacheConfig

	// Logger receives degradation warnings from the lenient entry points
	Logger *slog.Logger
}

// DefaultEngineConfig expands without caching.
var DefaultEngineConfig = EngineConfig{
	DefaultCount: DefaultCount,
	MaxCount:     MaxCount,
}

// CachedEngineConfig is suited to servers that expand the same series
// repeatedly across requests.
var CachedEngineConfig = EngineConfig{
	DefaultCount: DefaultCount,
	MaxCount:     MaxCount,
	CacheEnabled: true,
	CacheConfig:  DefaultCacheConfig,
}

// LowMemoryConfig keeps a small, short-lived cache and a tighter cap.
var LowMemoryConfig = EngineConfig{
	DefaultCount: DefaultCount,
	MaxCount:     366,
	CacheEnabled: true,
	CacheConfig: CacheConfig{
		TTL:             5 * time.Minute,
		MaxEntries:      100,
		CleanupInterval: 2 * time.Minute,
	},
}

func (c EngineConfig) normalized() EngineConfig {
	if c.MaxCount <= 0 {
		c.MaxCount = MaxCount
	}
	if c.DefaultCount <= 0 {
		c.DefaultCount = DefaultCount
	}
	if c.DefaultCount > c.MaxCount {
		c.DefaultCount = c.MaxCount
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}
