// Package cache provides caching for backend expression and metadata payloads.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	ExpressionCacheSizeMB int
	ExpressionTTL         time.Duration
	MetadataCacheSize     int
}

// Manager manages expression and metadata caches.
type Manager struct {
	exprCache *bigcache.BigCache
	metaCache *lru.Cache[string, []byte]
	codec     *vectorCodec
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MetadataCacheSize <= 0 {
		cfg.MetadataCacheSize = 64
	}

	// Expression vectors run to hundreds of KB even compressed, so use few
	// large shards rather than the bigcache default.
	exprCacheConfig := bigcache.Config{
		Shards:             64,
		LifeWindow:         cfg.ExpressionTTL,
		CleanWindow:        cfg.ExpressionTTL / 2,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.ExpressionCacheSizeMB,
		Verbose:            false,
	}

	exprCache, err := bigcache.New(context.Background(), exprCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}

	metaCache, err := lru.New[string, []byte](cfg.MetadataCacheSize)
	if err != nil {
		exprCache.Close()
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	codec, err := newVectorCodec()
	if err != nil {
		exprCache.Close()
		return nil, err
	}

	return &Manager{
		exprCache: exprCache,
		metaCache: metaCache,
		codec:     codec,
	}, nil
}

// GetExpression retrieves an expression vector from cache.
func (m *Manager) GetExpression(key string) ([]float64, bool) {
	data, err := m.exprCache.Get(key)
	if err != nil {
		return nil, false
	}
	values, err := m.codec.decode(data)
	if err != nil {
		// A corrupt entry is treated as a miss and dropped.
		_ = m.exprCache.Delete(key)
		return nil, false
	}
	return values, true
}

// SetExpression stores an expression vector in cache.
func (m *Manager) SetExpression(key string, values []float64) error {
	return m.exprCache.Set(key, m.codec.encode(values))
}

// GetMetadata retrieves a metadata payload from cache.
func (m *Manager) GetMetadata(key string) ([]byte, bool) {
	return m.metaCache.Get(key)
}

// SetMetadata stores a metadata payload in cache.
func (m *Manager) SetMetadata(key string, data []byte) {
	m.metaCache.Add(key, data)
}

// ExpressionKey generates a cache key for a gene's expression vector.
func ExpressionKey(datasetID, gene string) string {
	return fmt.Sprintf("expr:%s:%s", datasetID, strings.ToUpper(strings.TrimSpace(gene)))
}

// MetadataKey generates a cache key for a dataset's per-cell metadata.
func MetadataKey(datasetID, embedding, column string) string {
	return fmt.Sprintf("meta:%s:%s:%s", datasetID, embedding, column)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"expression_cache_len": m.exprCache.Len(),
		"expression_cache_cap": m.exprCache.Capacity(),
		"metadata_cache_len":   m.metaCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return errors.Join(m.exprCache.Close(), m.codec.close())
}
