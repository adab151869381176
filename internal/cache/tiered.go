package cache

import (
	"context"

	"go.uber.org/zap"

	"graphmesh-backend/pkg/errors"
	"graphmesh-backend/pkg/observability"
)

// TieredCache layers the process-local LRU over the shared redis tier.
// The local tier carries node-id tags for precise invalidation; the
// shared tier carries embedding-hash keys for cross-replica reuse. The
// shared tier is optional: without redis the cache degrades to local.
type TieredCache struct {
	local   *LRU
	shared  *SharedTier
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewTieredCache composes the tiers. shared may be nil.
func NewTieredCache(local *LRU, shared *SharedTier, logger *zap.Logger, metrics *observability.Metrics) *TieredCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TieredCache{local: local, shared: shared, logger: logger, metrics: metrics}
}

// LocalKey namespaces a key under its tenant. Every local entry uses
// this form so tenant-wide wipes are a prefix sweep.
func LocalKey(tenantID, key string) string {
	return tenantID + "|" + key
}

// Get checks local first, then shared; a shared hit is promoted into
// the local tier without node tags (they are unknown at this point).
func (c *TieredCache) Get(ctx context.Context, tenantID, key string) ([]byte, bool) {
	if tenantID == "" {
		return nil, false
	}
	if v, ok := c.local.Get(LocalKey(tenantID, key)); ok {
		c.hit("local")
		return v, true
	}
	c.miss("local")

	if c.shared == nil {
		return nil, false
	}
	if v, ok := c.shared.Get(ctx, tenantID, key); ok {
		c.hit("shared")
		c.local.Put(LocalKey(tenantID, key), v, nil)
		return v, true
	}
	c.miss("shared")
	return nil, false
}

// Put stores the value in both tiers. nodeIDs tag the local entry for
// InvalidateByNodes; the shared tier relies on TTL plus key-set wipes.
func (c *TieredCache) Put(ctx context.Context, tenantID, key string, value []byte, nodeIDs []string) error {
	if tenantID == "" {
		return errors.NewIngestRejection("cache put requires a tenant_id")
	}
	c.local.Put(LocalKey(tenantID, key), value, nodeIDs)
	if c.shared == nil {
		return nil
	}
	if err := c.shared.Put(ctx, tenantID, key, value); err != nil {
		// Local tier already holds the entry. Shared write failures
		// degrade reuse, not correctness.
		c.logger.Warn("Shared cache write failed", zap.Error(err))
	}
	return nil
}

// Invalidate removes one key from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, tenantID, key string) error {
	c.local.Delete(LocalKey(tenantID, key))
	if c.shared == nil {
		return nil
	}
	return c.shared.Delete(ctx, tenantID, key)
}

// InvalidateTenant wipes every entry for a tenant in both tiers. An
// empty tenant would wipe everything; it is rejected instead.
func (c *TieredCache) InvalidateTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.NewIngestRejection("refusing tenant-wide cache wipe with empty tenant_id")
	}
	removed := c.local.DeletePrefix(LocalKey(tenantID, ""))
	c.logger.Info("Invalidated tenant cache entries",
		zap.String("tenant_id", tenantID),
		zap.Int("local_removed", len(removed)),
	)
	if c.shared == nil {
		return nil
	}
	return c.shared.InvalidateTenant(ctx, tenantID)
}

// InvalidateByNodes removes local entries tagged with any of the node
// ids and clears the same keys from the shared tier. Callers fall back
// to InvalidateTenant when the affected set is unknown.
func (c *TieredCache) InvalidateByNodes(ctx context.Context, tenantID string, nodeIDs []string) error {
	if tenantID == "" {
		return errors.NewIngestRejection("cache invalidation requires a tenant_id")
	}
	removed := c.local.DeleteByNodes(nodeIDs)
	if c.shared == nil || len(removed) == 0 {
		return nil
	}
	prefix := LocalKey(tenantID, "")
	sharedKeys := make([]string, 0, len(removed))
	for _, k := range removed {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			sharedKeys = append(sharedKeys, k[len(prefix):])
		}
	}
	return c.shared.Delete(ctx, tenantID, sharedKeys...)
}

func (c *TieredCache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(tier).Inc()
	}
}

func (c *TieredCache) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMisses.WithLabelValues(tier).Inc()
	}
}
