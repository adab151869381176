package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"graphmesh-backend/pkg/observability"
)

// memoryQueue is what both in-memory tiers expose to the drainer.
type memoryQueue interface {
	DequeueBatch(limit int) []Event
	PendingCount() int
}

// Drainer reconciles pending outbox events against the vector store.
// The durable tier drains first: its events are the ones that survived
// a crash and are therefore the oldest obligations.
type Drainer struct {
	durable *DurableOutbox
	memory  memoryQueue
	store   VectorStore
	worker  string
	batch   int
	lease   time.Duration
	logger  *zap.Logger
}

// NewDrainer composes the drain path. durable may be nil in dev mode.
func NewDrainer(durable *DurableOutbox, memory memoryQueue, store VectorStore, worker string, logger *zap.Logger) *Drainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		durable: durable,
		memory:  memory,
		store:   store,
		worker:  worker,
		batch:   100,
		lease:   2 * time.Minute,
		logger:  logger,
	}
}

// Drain processes one pass over both tiers and returns the number of
// events reconciled. Per-event vector failures release the durable
// claim instead of tombstoning it.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	drained := 0

	if d.durable != nil {
		claimed, err := d.durable.ClaimPending(ctx, d.worker, d.batch, d.lease)
		if err != nil {
			return drained, err
		}
		var done, failed []string
		for _, e := range claimed {
			if err := d.store.Delete(ctx, e.TenantID, e.NodeIDs); err != nil {
				d.logger.Warn("Vector delete failed, releasing claim",
					zap.String("event_id", e.ID),
					zap.Error(err),
				)
				failed = append(failed, e.ID)
				continue
			}
			done = append(done, e.ID)
		}
		if err := d.durable.MarkDone(ctx, d.worker, done); err != nil {
			return drained, err
		}
		if err := d.durable.ReleaseClaim(ctx, d.worker, failed); err != nil {
			d.logger.Warn("Claim release failed", zap.Error(err))
		}
		drained += len(done)
	}

	if d.memory != nil {
		for _, e := range d.memory.DequeueBatch(d.batch) {
			if err := d.store.Delete(ctx, e.TenantID, e.NodeIDs); err != nil {
				d.logger.Warn("Vector delete failed for in-memory event",
					zap.String("event_id", e.ID),
					zap.Error(err),
				)
				continue
			}
			drained++
		}
	}
	return drained, nil
}

// PeriodicDrainer runs Drain on an interval and on demand via Notify.
// It runs outside the bounded task set: drain work must never compete
// with the per-commit callbacks it exists to absorb.
type PeriodicDrainer struct {
	drainer  *Drainer
	interval time.Duration
	notify   chan struct{}
	logger   *zap.Logger
}

// NewPeriodicDrainer creates the loop. interval must be positive.
func NewPeriodicDrainer(drainer *Drainer, interval time.Duration, logger *zap.Logger) *PeriodicDrainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodicDrainer{
		drainer:  drainer,
		interval: interval,
		notify:   make(chan struct{}, 1),
		logger:   logger,
	}
}

// Notify requests an immediate drain pass without blocking the caller.
// Coalesces with an already-pending request.
func (p *PeriodicDrainer) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled.
func (p *PeriodicDrainer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.notify:
		}
		if n, err := p.drainer.Drain(ctx); err != nil {
			p.logger.Warn("Outbox drain pass failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Info("Outbox drain pass complete", zap.Int("drained", n))
		}
	}
}

// BoundedTaskSet throttles the asynchronous post-commit callbacks
// (degree refresh, cache invalidation). A full set rejects rather than
// queueing unboundedly.
type BoundedTaskSet struct {
	slots    chan struct{}
	wg       sync.WaitGroup
	onReject func()
	metrics  *observability.Metrics
}

// NewBoundedTaskSet creates a set with the given slot count. onReject
// fires on every rejected submission and may be nil.
func NewBoundedTaskSet(size int, onReject func(), metrics *observability.Metrics) *BoundedTaskSet {
	if size <= 0 {
		size = 16
	}
	return &BoundedTaskSet{
		slots:    make(chan struct{}, size),
		onReject: onReject,
		metrics:  metrics,
	}
}

// Go runs fn if a slot is free and reports whether it was admitted.
func (s *BoundedTaskSet) Go(fn func()) bool {
	select {
	case s.slots <- struct{}{}:
	default:
		if s.metrics != nil {
			s.metrics.OutboxOverflow.Inc()
		}
		if s.onReject != nil {
			s.onReject()
		}
		return false
	}
	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.slots
			s.wg.Done()
		}()
		fn()
	}()
	return true
}

// Wait blocks until all admitted tasks finish.
func (s *BoundedTaskSet) Wait() {
	s.wg.Wait()
}
