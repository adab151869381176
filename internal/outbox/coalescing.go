package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"graphmesh-backend/pkg/observability"
)

// SpilloverFn receives an event displaced from the coalescing queue.
// Production wires this to the durable outbox so bounded memory never
// means dropped cleanup work.
type SpilloverFn func(ctx context.Context, e Event) error

// CoalescingQueue bounds the in-memory backlog. At capacity the oldest
// event is rescued through the spillover function before the new one is
// admitted; a failed spillover rejects the new event instead of losing
// the old one.
type CoalescingQueue struct {
	mu         sync.Mutex
	events     []Event
	maxEntries int
	spillover  SpilloverFn
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewCoalescingQueue creates a bounded queue. maxEntries must be
// positive; spillover may be nil in dev setups.
func NewCoalescingQueue(maxEntries int, spillover SpilloverFn, logger *zap.Logger, metrics *observability.Metrics) *CoalescingQueue {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoalescingQueue{
		maxEntries: maxEntries,
		spillover:  spillover,
		logger:     logger,
		metrics:    metrics,
	}
}

// Enqueue admits an event, spilling the oldest entry first when full.
// The oldest event leaves the queue only after the spillover accepted
// it; when spillover fails the queue is left untouched and the new
// event is rejected, so the backlog never loses work it has not
// rescued.
func (q *CoalescingQueue) Enqueue(ctx context.Context, e Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= q.maxEntries {
		oldest := q.events[0]
		if q.metrics != nil {
			q.metrics.OutboxOverflow.Inc()
		}
		switch {
		case q.spillover == nil:
			q.logger.Warn("Coalescing queue overflow with no spillover target, dropping event",
				zap.String("event_id", oldest.ID),
				zap.String("tenant_id", oldest.TenantID),
			)
		default:
			if err := q.spillover(ctx, oldest); err != nil {
				q.logger.Error("Coalescing spillover failed, rejecting new event",
					zap.String("oldest_event_id", oldest.ID),
					zap.String("event_id", e.ID),
					zap.Error(err),
				)
				return err
			}
		}
		q.events = q.events[1:]
	}
	q.events = append(q.events, e)
	return nil
}

// DequeueBatch removes up to limit events in FIFO order.
func (q *CoalescingQueue) DequeueBatch(limit int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.events) {
		limit = len(q.events)
	}
	batch := make([]Event, limit)
	copy(batch, q.events[:limit])
	q.events = q.events[limit:]
	return batch
}

// PendingCount returns the queue depth.
func (q *CoalescingQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
