package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/security"
	"graphmesh-backend/pkg/errors"
	"graphmesh-backend/pkg/observability"
)

const (
	// DefaultBatchSize is the UNWIND chunk size per managed transaction.
	DefaultBatchSize = 500
	// DefaultHotEdgeThreshold is the in-batch target in-degree at which
	// edges to that target are serialized into a single write.
	DefaultHotEdgeThreshold = 50
)

// identRe restricts DDL identifiers (labels, properties, index names)
// before they may be interpolated into a statement.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Repository is the graph write layer. One repository serves one logical
// database; tenant routing happens above it.
type Repository struct {
	querier          Querier
	stmts            *ontology.Statements
	ont              *ontology.Ontology
	writeConcurrency int
	batchSize        int
	hotEdgeThreshold int
	logger           *zap.Logger
	metrics          *observability.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithWriteConcurrency bounds parallel per-type upserts.
func WithWriteConcurrency(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.writeConcurrency = n
		}
	}
}

// WithBatchSize sets the UNWIND chunk size.
func WithBatchSize(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithHotEdgeThreshold sets the supernode write threshold.
func WithHotEdgeThreshold(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.hotEdgeThreshold = n
		}
	}
}

// WithMetrics attaches the metric set.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// NewRepository creates a write-layer repository over a querier and an
// ontology. The statement table is generated once; a reloaded ontology
// means a new repository.
func NewRepository(querier Querier, ont *ontology.Ontology, logger *zap.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		querier:          querier,
		stmts:            ontology.BuildUnwindQueries(ont),
		ont:              ont,
		writeConcurrency: 4,
		batchSize:        DefaultBatchSize,
		hotEdgeThreshold: DefaultHotEdgeThreshold,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CommitTopology upserts a batch of entities for one tenant. Nodes are
// written before edges; per-type groups run in parallel up to the write
// concurrency; all writes follow the deterministic entity order so
// replicas acquire database locks in the same sequence.
func (r *Repository) CommitTopology(ctx context.Context, tenantID string, entities []ontology.Entity) error {
	_, err := r.CommitTopologyWithAffectedIDs(ctx, tenantID, entities)
	return err
}

// CommitTopologyWithAffectedIDs commits and returns the identifiers whose
// denormalized degree must be refreshed. Degree refresh is decoupled:
// callers schedule RefreshDegreeForIDs asynchronously.
func (r *Repository) CommitTopologyWithAffectedIDs(ctx context.Context, tenantID string, entities []ontology.Entity) ([]string, error) {
	ctx, span := observability.StartSpan(ctx, "graph.commit_topology")
	var commitErr error
	defer func() { observability.EndSpan(span, commitErr) }()

	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		commitErr = err
		return nil, err
	}

	if err := ontology.ComputeHashes(entities); err != nil {
		commitErr = err
		return nil, err
	}
	for _, e := range entities {
		if _, ok := r.knownType(e); !ok {
			commitErr = fmt.Errorf("unknown entity type %q at commit time", e.EntityType())
			return nil, commitErr
		}
	}

	sorted := sortEntitiesForWrite(entities)
	nodes, edges := partition(sorted)

	if err := r.writeNodeGroups(ctx, session, groupByType(nodes)); err != nil {
		commitErr = err
		return nil, err
	}
	if err := r.writeEdgeGroups(ctx, session, edges); err != nil {
		commitErr = err
		return nil, err
	}

	return affectedIDs(sorted), nil
}

func (r *Repository) knownType(e ontology.Entity) (string, bool) {
	if e.IsEdge() {
		_, ok := r.stmts.EdgeUnwind[e.EntityType()]
		return e.EntityType(), ok
	}
	_, ok := r.stmts.NodeUnwind[e.EntityType()]
	return e.EntityType(), ok
}

func (r *Repository) writeNodeGroups(ctx context.Context, session *security.TenantScopedSession, groups map[string][]ontology.Entity) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.writeConcurrency)

	for _, typeName := range sortedKeys(groups) {
		typeName := typeName
		records := groups[typeName]
		g.Go(func() error {
			return r.writeGroup(ctx, session, r.stmts.NodeUnwind[typeName], typeName, records)
		})
	}
	return g.Wait()
}

// writeEdgeGroups writes cold edges per type in parallel and hot edges
// (supernode targets within this batch) in one serialized UNWIND per
// type. Per-edge sessions are never opened.
func (r *Repository) writeEdgeGroups(ctx context.Context, session *security.TenantScopedSession, edges []ontology.Entity) error {
	hotTargets := detectHotTargets(r.ont, edges, r.hotEdgeThreshold)
	var cold, hot []ontology.Entity
	for _, e := range edges {
		if _, isHot := hotTargets[r.edgeTarget(e)]; isHot {
			hot = append(hot, e)
		} else {
			cold = append(cold, e)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.writeConcurrency)
	coldGroups := groupByType(cold)
	for _, typeName := range sortedKeys(coldGroups) {
		typeName := typeName
		records := coldGroups[typeName]
		g.Go(func() error {
			return r.writeGroup(gctx, session, r.stmts.EdgeUnwind[typeName], typeName, records)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(hot) > 0 {
		r.logger.Info("Serializing hot-edge writes",
			zap.Int("edges", len(hot)),
			zap.Int("hot_targets", len(hotTargets)),
		)
		hotGroups := groupByType(hot)
		for _, typeName := range sortedKeys(hotGroups) {
			records := hotGroups[typeName]
			// One statement for the whole hot group per type, no chunking:
			// the point is a single lock acquisition on the hot target.
			if err := r.runWrite(ctx, session, r.stmts.EdgeUnwind[typeName], typeName, records); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Repository) writeGroup(ctx context.Context, session *security.TenantScopedSession, cypher, typeName string, records []ontology.Entity) error {
	for _, chunk := range chunkList(records, r.batchSize) {
		if err := r.runWrite(ctx, session, cypher, typeName, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) runWrite(ctx context.Context, session *security.TenantScopedSession, cypher, typeName string, records []ontology.Entity) error {
	batch := make([]map[string]any, len(records))
	for i, e := range records {
		batch[i] = e.Properties()
	}
	params, err := session.ValidateQuery(cypher, map[string]any{"batch": batch})
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = r.querier.ExecuteWrite(ctx, cypher, params)
	if r.metrics != nil {
		r.metrics.ObserveCommit(typeName, time.Since(start))
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.CommitBatches.WithLabelValues(typeName, status).Inc()
	}
	if err != nil {
		r.logger.Error("Batch upsert failed",
			zap.String("entity_type", typeName),
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
		return errors.Wrap(err, "batch upsert failed for "+typeName)
	}
	return nil
}

const pruneStaleEdgesQuery = `MATCH (a)-[r]->(b)
WHERE r.tenant_id = $tenant_id
  AND r.ingestion_id <> $ingestion_id
  AND r.last_seen_at < $cutoff
  AND r.tombstoned_at IS NULL
SET r.tombstoned_at = $now
RETURN coalesce(a.id, a.name) AS source_id, coalesce(b.id, b.name) AS target_id`

// PruneStaleEdges tombstones edges not seen by the current ingestion
// within the freshness window and returns the tombstone count plus the
// endpoint node identifiers that lost at least one edge. Those ids feed
// the vector-store cleanup outbox.
func (r *Repository) PruneStaleEdges(ctx context.Context, tenantID, ingestionID string, maxAge time.Duration) (int, []string, error) {
	ctx, span := observability.StartSpan(ctx, "graph.prune_stale_edges")
	var pruneErr error
	defer func() { observability.EndSpan(span, pruneErr) }()

	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		pruneErr = err
		return 0, nil, err
	}
	now := time.Now().UTC()
	params, err := session.ValidateQuery(pruneStaleEdgesQuery, map[string]any{
		"ingestion_id": ingestionID,
		"cutoff":       now.Add(-maxAge).Format(time.RFC3339Nano),
		"now":          now.Format(time.RFC3339Nano),
	})
	if err != nil {
		pruneErr = err
		return 0, nil, err
	}

	rows, err := r.querier.ExecuteWrite(ctx, pruneStaleEdgesQuery, params)
	if err != nil {
		pruneErr = err
		return 0, nil, errors.Wrap(err, "stale edge prune failed")
	}

	seen := make(map[string]struct{})
	var ids []string
	for _, row := range rows {
		for _, key := range []string{"source_id", "target_id"} {
			if id, ok := row[key].(string); ok && id != "" {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}
	sort.Strings(ids)
	if r.metrics != nil {
		r.metrics.PrunedEdges.Add(float64(len(rows)))
	}
	r.logger.Info("Pruned stale edges",
		zap.String("ingestion_id", ingestionID),
		zap.Int("tombstoned", len(rows)),
		zap.Int("affected_nodes", len(ids)),
	)
	return len(rows), ids, nil
}

const refreshDegreeQuery = `MATCH (n {tenant_id: $tenant_id})
WHERE coalesce(n.id, n.name) IN $ids
OPTIONAL MATCH (n)-[r]-(m)
WHERE r.tombstoned_at IS NULL
WITH n, count(r) AS degree
SET n.degree = degree
RETURN count(n) AS refreshed`

// RefreshDegreeForIDs recomputes the denormalized degree property for the
// supplied node identifiers. Commit never calls this synchronously.
func (r *Repository) RefreshDegreeForIDs(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		return err
	}
	params, err := session.ValidateQuery(refreshDegreeQuery, map[string]any{"ids": ids})
	if err != nil {
		return err
	}
	_, err = r.querier.ExecuteWrite(ctx, refreshDegreeQuery, params)
	return err
}

// ACLParams carries the caller's access predicate inputs; they are always
// bound as parameters, never interpolated.
type ACLParams struct {
	IsAdmin    bool
	Team       string
	Namespaces []string
}

// Params renders the parameter map the ACL predicate binds against.
func (a ACLParams) Params() map[string]any {
	ns := a.Namespaces
	if ns == nil {
		ns = []string{}
	}
	return map[string]any{
		"is_admin":       a.IsAdmin,
		"acl_team":       a.Team,
		"acl_namespaces": ns,
	}
}

// ReadTopology returns all nodes of a label for a tenant, ACL-filtered.
// An empty tenant is a programming error surfaced before any query runs.
func (r *Repository) ReadTopology(ctx context.Context, label, tenantID string, acl ACLParams) ([]map[string]any, error) {
	if tenantID == "" {
		return nil, errors.NewTenantScopeViolation("read_topology requires a tenant_id")
	}
	if _, ok := r.ont.NodeType(label); !ok {
		return nil, errors.NewValidationf("unknown node label %q", label)
	}

	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		return nil, err
	}
	provider := security.NewSecurityProvider(session)

	// Label is validated against the ontology above; it is the only
	// interpolated identifier.
	cypher := fmt.Sprintf(
		"MATCH (n:%s {tenant_id: $tenant_id}) WHERE %s RETURN properties(n) AS node ORDER BY coalesce(n.id, n.name)",
		label, security.BuildACLPredicate("n"),
	)
	params, err := provider.ValidateQuery(cypher, acl.Params())
	if err != nil {
		return nil, err
	}
	rows, err := r.querier.ExecuteRead(ctx, cypher, params)
	if err != nil {
		return nil, errors.Wrap(err, "topology read failed")
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if node, ok := row["node"].(map[string]any); ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// CreateVectorIndex issues the vector index DDL. All identifiers are
// restricted to [A-Za-z_][A-Za-z0-9_]* before interpolation.
func (r *Repository) CreateVectorIndex(ctx context.Context, indexName, label, property string, dimensions int) error {
	for _, ident := range []string{indexName, label, property} {
		if !identRe.MatchString(ident) {
			return errors.NewValidationf("disallowed identifier %q in vector index DDL", ident)
		}
	}
	cypher := fmt.Sprintf(
		"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) OPTIONS {indexConfig: {`vector.dimensions`: $dimensions, `vector.similarity_function`: 'cosine'}}",
		indexName, label, property,
	)
	_, err := r.querier.ExecuteWrite(ctx, cypher, map[string]any{"dimensions": dimensions})
	return err
}

const upsertEmbeddingsQuery = `UNWIND $batch AS row
MATCH (n:%s {tenant_id: $tenant_id})
WHERE coalesce(n.id, n.name) = row.id
SET n.%s = row.vector
RETURN count(n) AS updated`

// EmbeddingRow pairs a node identifier with its vector.
type EmbeddingRow struct {
	ID     string
	Vector []float32
}

const removeEmbeddingsQuery = `MATCH (n {tenant_id: $tenant_id})
WHERE coalesce(n.id, n.name) IN $ids
REMOVE n.embedding
RETURN count(n) AS cleared`

// RemoveEmbeddings clears stored vectors for the supplied nodes. The
// outbox drainer calls this when it processes tombstone events.
func (r *Repository) RemoveEmbeddings(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		return err
	}
	params, err := session.ValidateQuery(removeEmbeddingsQuery, map[string]any{"ids": ids})
	if err != nil {
		return err
	}
	_, err = r.querier.ExecuteWrite(ctx, removeEmbeddingsQuery, params)
	return err
}

// UpsertEmbeddings writes embedding vectors onto nodes. Label and
// property are identifier-validated before interpolation; ids and vectors
// are parameter-bound.
func (r *Repository) UpsertEmbeddings(ctx context.Context, tenantID, label, property string, rows []EmbeddingRow) error {
	for _, ident := range []string{label, property} {
		if !identRe.MatchString(ident) {
			return errors.NewValidationf("disallowed identifier %q in embedding upsert", ident)
		}
	}
	session, err := security.NewTenantScopedSession(tenantID, r.logger)
	if err != nil {
		return err
	}
	cypher := fmt.Sprintf(upsertEmbeddingsQuery, label, property)
	batch := make([]map[string]any, len(rows))
	for i, row := range rows {
		batch[i] = map[string]any{"id": row.ID, "vector": row.Vector}
	}
	params, err := session.ValidateQuery(cypher, map[string]any{"batch": batch})
	if err != nil {
		return err
	}
	_, err = r.querier.ExecuteWrite(ctx, cypher, params)
	return err
}
