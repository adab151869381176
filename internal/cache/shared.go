package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultSharedTTL bounds staleness in the shared tier; precise
// invalidation still happens through the tenant key set.
const DefaultSharedTTL = 15 * time.Minute

// sharedEnvelope is the redis payload. The tenant is stored inside the
// value and re-checked on read so a mis-derived key can never leak
// another tenant's records.
type sharedEnvelope struct {
	TenantID string          `json:"tenant_id"`
	Payload  json.RawMessage `json:"payload"`
}

// SemanticKey derives the shared-tier key from the query embedding hash
// and the caller's ACL fingerprint. Lookups are direct GETs; there is no
// SCAN anywhere in this tier.
func SemanticKey(tenantID, embeddingHash string, aclTeam string, aclNamespaces []string) string {
	ns := append([]string(nil), aclNamespaces...)
	sort.Strings(ns)
	fp := sha256.Sum256([]byte(aclTeam + "\x00" + strings.Join(ns, "\x00")))
	return fmt.Sprintf("semcache:%s:%s:%s", tenantID, embeddingHash, hex.EncodeToString(fp[:8]))
}

func tenantKeySet(tenantID string) string {
	return "semcache:keys:" + tenantID
}

// SharedTier is the redis-backed cache tier shared across replicas.
type SharedTier struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewSharedTier wraps a redis client. A zero ttl uses the default.
func NewSharedTier(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *SharedTier {
	if ttl <= 0 {
		ttl = DefaultSharedTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharedTier{client: client, ttl: ttl, logger: logger}
}

// Get fetches a payload by exact key. A payload whose embedded tenant
// differs from the caller's is treated as a miss and logged.
func (t *SharedTier) Get(ctx context.Context, tenantID, key string) ([]byte, bool) {
	raw, err := t.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var env sharedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.TenantID != tenantID {
		t.logger.Warn("Shared cache tenant mismatch, discarding entry",
			zap.String("key", key),
			zap.String("expected_tenant", tenantID),
		)
		return nil, false
	}
	return env.Payload, true
}

// Put stores a payload and records the key in the tenant's key set so
// tenant-wide invalidation never needs SCAN.
func (t *SharedTier) Put(ctx context.Context, tenantID, key string, payload []byte) error {
	raw, err := json.Marshal(sharedEnvelope{TenantID: tenantID, Payload: payload})
	if err != nil {
		return err
	}
	pipe := t.client.TxPipeline()
	pipe.Set(ctx, key, raw, t.ttl)
	pipe.SAdd(ctx, tenantKeySet(tenantID), key)
	pipe.Expire(ctx, tenantKeySet(tenantID), 2*t.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes specific keys.
func (t *SharedTier) Delete(ctx context.Context, tenantID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := t.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, tenantKeySet(tenantID), toAny(keys)...)
	_, err := pipe.Exec(ctx)
	return err
}

// InvalidateTenant removes every key recorded for the tenant.
func (t *SharedTier) InvalidateTenant(ctx context.Context, tenantID string) error {
	keys, err := t.client.SMembers(ctx, tenantKeySet(tenantID)).Result()
	if err != nil {
		return err
	}
	pipe := t.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, tenantKeySet(tenantID))
	_, err = pipe.Exec(ctx)
	return err
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
