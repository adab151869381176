// Package outbox buffers vector-store cleanup work that must survive the
// commit that produced it: an in-memory FIFO for the fast path, a
// graph-backed durable tier for crash safety, and a coalescing wrapper
// that spills overflow into the durable tier instead of dropping it.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"graphmesh-backend/pkg/observability"
)

// Event is one vector-sync unit: the nodes whose embeddings must be
// deleted or re-synced for a tenant.
type Event struct {
	ID        string
	TenantID  string
	NodeIDs   []string
	Reason    string
	CreatedAt time.Time
	// RetryCount is how many times a durable claim on this event has
	// been released after a failed drain.
	RetryCount int
}

// NewEvent stamps identity and creation time.
func NewEvent(tenantID string, nodeIDs []string, reason string) Event {
	return Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		NodeIDs:   nodeIDs,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
}

// VectorStore is the downstream the drainer reconciles against.
type VectorStore interface {
	Delete(ctx context.Context, tenantID string, nodeIDs []string) error
}

// MemoryOutbox is the locked in-process FIFO. Events enqueued here are
// lost on crash; production commits pair it with the durable tier.
type MemoryOutbox struct {
	mu      sync.Mutex
	events  []Event
	metrics *observability.Metrics
}

// NewMemoryOutbox creates an empty FIFO.
func NewMemoryOutbox(metrics *observability.Metrics) *MemoryOutbox {
	return &MemoryOutbox{metrics: metrics}
}

// Enqueue appends an event.
func (o *MemoryOutbox) Enqueue(_ context.Context, e Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
	o.gaugeLocked()
	return nil
}

// DequeueBatch removes and returns up to limit events in FIFO order.
func (o *MemoryOutbox) DequeueBatch(limit int) []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 || limit > len(o.events) {
		limit = len(o.events)
	}
	batch := make([]Event, limit)
	copy(batch, o.events[:limit])
	o.events = o.events[limit:]
	o.gaugeLocked()
	return batch
}

// Requeue puts events back at the head, preserving their order ahead of
// newer entries. Used when the vector store rejects a drain batch.
func (o *MemoryOutbox) Requeue(events []Event) {
	if len(events) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(append([]Event(nil), events...), o.events...)
	o.gaugeLocked()
}

// PendingCount returns the queue depth.
func (o *MemoryOutbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func (o *MemoryOutbox) gaugeLocked() {
	if o.metrics != nil {
		o.metrics.OutboxDepth.Set(float64(len(o.events)))
	}
}
