package resilience

import (
	"container/list"
	"sync"

	"go.uber.org/zap"
)

// TenantRegistry maps tenant_id to a dedicated breaker behind a bounded
// LRU, so one tenant's failures cannot open another tenant's circuit and
// an unbounded tenant population cannot exhaust memory.
type TenantRegistry struct {
	mu       sync.Mutex
	settings Settings
	logger   *zap.Logger
	maxSize  int

	breakers map[string]*registryEntry
	lruList  *list.List
}

type registryEntry struct {
	tenantID   string
	breaker    *Breaker
	lruElement *list.Element
}

// NewTenantRegistry creates a registry bounded to maxSize tenants.
func NewTenantRegistry(settings Settings, maxSize int, logger *zap.Logger) *TenantRegistry {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantRegistry{
		settings: settings,
		logger:   logger,
		maxSize:  maxSize,
		breakers: make(map[string]*registryEntry),
		lruList:  list.New(),
	}
}

// Get returns the breaker for a tenant, creating it on first use and
// evicting the least recently used tenant when over capacity.
func (r *TenantRegistry) Get(tenantID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.breakers[tenantID]; ok {
		r.lruList.MoveToFront(entry.lruElement)
		return entry.breaker
	}

	for len(r.breakers) >= r.maxSize && r.lruList.Len() > 0 {
		oldest := r.lruList.Back()
		entry := oldest.Value.(*registryEntry)
		r.lruList.Remove(oldest)
		delete(r.breakers, entry.tenantID)
		r.logger.Debug("Evicted tenant breaker", zap.String("tenant_id", entry.tenantID))
	}

	settings := r.settings
	settings.Name = "tenant:" + tenantID
	entry := &registryEntry{
		tenantID: tenantID,
		breaker:  NewBreaker(settings, r.logger),
	}
	entry.lruElement = r.lruList.PushFront(entry)
	r.breakers[tenantID] = entry
	return entry.breaker
}

// Len returns the number of tracked tenants.
func (r *TenantRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}
