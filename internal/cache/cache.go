// Package cache is a namespaced, time-bounded cache over the local
// key-value store. Every failure degrades to a miss; callers must treat a
// miss as "go to the server".
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/domainsync/internal/clock"
	"github.com/p-blackswan/domainsync/internal/metrics"
	"github.com/p-blackswan/domainsync/pkg/kvstore"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = 60 * time.Second

// entry is the stored form: the value plus its absolute expiry in unix ms.
type entry struct {
	Value  json.RawMessage `json:"value"`
	Expiry int64           `json:"expiry"`
}

// Options configures a Cache.
type Options struct {
	// Namespace is prepended to every key. Clear only touches keys under it.
	Namespace  string
	DefaultTTL time.Duration
	Clock      clock.Clock
	Metrics    *metrics.Metrics
}

// Cache stores JSON values with an expiry.
type Cache struct {
	store      kvstore.Store
	namespace  string
	defaultTTL time.Duration
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// New creates a cache over store.
func New(store kvstore.Store, opts Options, logger zerolog.Logger) *Cache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Cache{
		store:      store,
		namespace:  opts.Namespace,
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		logger:     logger.With().Str("component", "cache").Logger(),
	}
}

// Namespace returns the key prefix.
func (c *Cache) Namespace() string { return c.namespace }

// Set stores value for ttl (DefaultTTL when ttl <= 0), replacing any prior
// entry. It returns false if the value could not be encoded or stored.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache set failed: encode")
		c.metrics.RecordCacheWriteFailure()
		return false
	}

	b, err := json.Marshal(entry{
		Value:  raw,
		Expiry: c.clock.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache set failed: encode")
		c.metrics.RecordCacheWriteFailure()
		return false
	}

	if err := c.store.Set(ctx, c.namespace+key, b); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache set failed")
		c.metrics.RecordCacheWriteFailure()
		return false
	}
	return true
}

// Get returns the raw JSON value for key. Expired and corrupt entries are
// removed and reported absent.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	b, err := c.store.Get(ctx, c.namespace+key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", key).Msg("Cache get failed")
		}
		c.metrics.RecordCacheLookup("miss")
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(b, &e); err != nil || e.Value == nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, removing")
		c.metrics.RecordCacheLookup("corrupt")
		c.Remove(ctx, key)
		return nil, false
	}

	if c.clock.Now().UnixMilli() > e.Expiry {
		c.metrics.RecordCacheLookup("expired")
		c.Remove(ctx, key)
		return nil, false
	}

	c.metrics.RecordCacheLookup("hit")
	return e.Value, true
}

// GetInto decodes the cached value into dst. A value that does not decode
// into dst counts as a miss and is removed.
func (c *Cache) GetInto(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cached value has unexpected shape, removing")
		c.Remove(ctx, key)
		return false
	}
	return true
}

// Remove deletes key. Failures are logged and otherwise ignored.
func (c *Cache) Remove(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, c.namespace+key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache remove failed")
	}
}

// Clear removes every key under the namespace and returns how many were
// removed.
func (c *Cache) Clear(ctx context.Context) int {
	n, err := kvstore.DeletePrefix(ctx, c.store, c.namespace)
	if err != nil {
		c.logger.Warn().Err(err).Int("removed", n).Msg("Cache clear failed")
	}
	return n
}
