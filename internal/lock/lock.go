// Package lock provides a redis-backed leased lock with background
// heartbeat renewal. Ingestion uses it to serialize runs per
// (tenant, namespace) while letting distinct tenants proceed in parallel.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// renewScript extends the lease only while we still own the key.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
else
  return 0
end
`)

// releaseScript deletes the key only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

// Manager acquires distributed locks against a redis-compatible store.
type Manager struct {
	client            redis.UniversalClient
	ttl               time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// NewManager creates a lock manager. The heartbeat interval must be well
// under the ttl; by default it is a third of it.
func NewManager(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:            client,
		ttl:               ttl,
		heartbeatInterval: ttl / 3,
		logger:            logger,
	}
}

// Lock is a held lease. Release must be called on every path; the
// heartbeat stops whether the owning scope exits normally or not.
type Lock struct {
	manager *Manager
	key     string
	token   string

	cancel   context.CancelFunc
	done     chan struct{}
	released sync.Once
}

// Acquire attempts to take the lock once. It returns (nil, false, nil)
// when the lock is held elsewhere.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l := &Lock{
		manager: m,
		key:     key,
		token:   token,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.heartbeat(hbCtx)
	return l, true, nil
}

// heartbeat renews the lease until the lock is released. Renewal is an
// atomic compare-and-set: the lease is only extended while the stored
// value still matches our token.
func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.manager.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := renewScript.Run(ctx, l.manager.client,
				[]string{l.key}, l.token, l.manager.ttl.Milliseconds()).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.manager.logger.Warn("Lock heartbeat failed",
					zap.String("key", l.key),
					zap.Error(err),
				)
				continue
			}
			if renewed == 0 {
				l.manager.logger.Error("Lock ownership lost during heartbeat",
					zap.String("key", l.key),
				)
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the key if we still own it.
// Safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	var err error
	l.released.Do(func() {
		l.cancel()
		<-l.done
		_, err = releaseScript.Run(ctx, l.manager.client, []string{l.key}, l.token).Int()
	})
	return err
}

// IngestionKey builds the lock key serializing ingestion for a
// (tenant, namespace) pair.
func IngestionKey(tenantID, namespace string) string {
	return fmt.Sprintf("ingest:%s:%s", tenantID, namespace)
}
