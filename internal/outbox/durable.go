package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"graphmesh-backend/internal/graph"
	"graphmesh-backend/pkg/errors"
)

// The durable tier stores events as :OutboxEvent nodes in the same
// database as the topology, so the commit and its cleanup obligation
// share one durability domain.

const ensureOutboxIndexQuery = `CREATE INDEX outbox_event_tombstoned IF NOT EXISTS FOR (e:OutboxEvent) ON (e.tombstoned_at)`

const enqueueOutboxQuery = `CREATE (e:OutboxEvent {
  id: $id,
  tenant_id: $tenant_id,
  node_ids: $node_ids,
  reason: $reason,
  created_at: $created_at,
  claimed_by: null,
  claim_expires_at: null,
  tombstoned_at: null,
  retry_count: 0
})`

// claimPendingQuery claims a batch atomically in one round trip: the
// ORDER/LIMIT/SET happen inside a single managed transaction so two
// drain workers can never claim the same event.
const claimPendingQuery = `MATCH (e:OutboxEvent)
WHERE e.tombstoned_at IS NULL
  AND (e.claim_expires_at IS NULL OR e.claim_expires_at < $now)
WITH e ORDER BY e.created_at ASC LIMIT $limit
SET e.claimed_by = $worker, e.claim_expires_at = $expires
RETURN e.id AS id, e.tenant_id AS tenant_id, e.node_ids AS node_ids,
       e.reason AS reason, e.created_at AS created_at,
       e.retry_count AS retry_count`

const markDoneQuery = `MATCH (e:OutboxEvent)
WHERE e.id IN $ids AND e.claimed_by = $worker
SET e.tombstoned_at = $now`

const releaseClaimQuery = `MATCH (e:OutboxEvent)
WHERE e.id IN $ids AND e.claimed_by = $worker
SET e.claimed_by = null, e.claim_expires_at = null,
    e.retry_count = coalesce(e.retry_count, 0) + 1`

// DurableOutbox persists events as graph nodes. A claimed event whose
// lease expires becomes claimable again, so a crashed drain worker
// never strands work.
type DurableOutbox struct {
	querier graph.Querier
	logger  *zap.Logger
}

// NewDurableOutbox wraps a querier. Call EnsureIndex once at startup.
func NewDurableOutbox(querier graph.Querier, logger *zap.Logger) *DurableOutbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DurableOutbox{querier: querier, logger: logger}
}

// EnsureIndex creates the tombstone index backing ClaimPending.
func (o *DurableOutbox) EnsureIndex(ctx context.Context) error {
	_, err := o.querier.ExecuteWrite(ctx, ensureOutboxIndexQuery, nil)
	return err
}

// Enqueue persists one event.
func (o *DurableOutbox) Enqueue(ctx context.Context, e Event) error {
	_, err := o.querier.ExecuteWrite(ctx, enqueueOutboxQuery, map[string]any{
		"id":         e.ID,
		"tenant_id":  e.TenantID,
		"node_ids":   e.NodeIDs,
		"reason":     e.Reason,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return errors.Wrap(err, "durable outbox enqueue failed")
	}
	return nil
}

// ClaimPending atomically claims up to limit unclaimed, non-tombstoned
// events for worker with the given lease.
func (o *DurableOutbox) ClaimPending(ctx context.Context, worker string, limit int, lease time.Duration) ([]Event, error) {
	now := time.Now().UTC()
	rows, err := o.querier.ExecuteWrite(ctx, claimPendingQuery, map[string]any{
		"now":     now.Format(time.RFC3339Nano),
		"limit":   limit,
		"worker":  worker,
		"expires": now.Add(lease).Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Wrap(err, "outbox claim failed")
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		e := Event{}
		e.ID, _ = row["id"].(string)
		e.TenantID, _ = row["tenant_id"].(string)
		e.Reason, _ = row["reason"].(string)
		if raw, ok := row["node_ids"].([]any); ok {
			for _, v := range raw {
				if id, ok := v.(string); ok {
					e.NodeIDs = append(e.NodeIDs, id)
				}
			}
		}
		if ts, ok := row["created_at"].(string); ok {
			e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		}
		switch n := row["retry_count"].(type) {
		case int64:
			e.RetryCount = int(n)
		case int:
			e.RetryCount = n
		}
		events = append(events, e)
	}
	return events, nil
}

// MarkDone tombstones claimed events after successful vector cleanup.
func (o *DurableOutbox) MarkDone(ctx context.Context, worker string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.querier.ExecuteWrite(ctx, markDoneQuery, map[string]any{
		"ids":    ids,
		"worker": worker,
		"now":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

// ReleaseClaim returns events to the claimable pool without marking
// them done, for batches the vector store rejected. Each release bumps
// the event's retry_count so a poison event is observable.
func (o *DurableOutbox) ReleaseClaim(ctx context.Context, worker string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.querier.ExecuteWrite(ctx, releaseClaimQuery, map[string]any{
		"ids":    ids,
		"worker": worker,
	})
	return err
}
