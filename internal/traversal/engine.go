package traversal

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/graph"
	"graphmesh-backend/internal/security"
	"graphmesh-backend/internal/tokens"
	"graphmesh-backend/pkg/errors"
	"graphmesh-backend/pkg/observability"
)

// Engine runs traversals against the graph through the shared querier.
type Engine struct {
	querier graph.Querier
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewEngine creates a traversal engine.
func NewEngine(querier graph.Querier, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{querier: querier, logger: logger, metrics: metrics}
}

// RunTraversal explores the graph from a start node and returns ranked
// records. The strategy comes from cfg, with the adaptive selector
// consulting degreeHint when given. A timeout mid-walk returns the
// partial result rather than an error.
func (e *Engine) RunTraversal(ctx context.Context, startID, tenantID string, acl graph.ACLParams, cfg Config, degreeHint *int64) (*Result, error) {
	cfg.withDefaults()
	if tenantID == "" {
		return nil, errors.NewTenantScopeViolation("traversal requires a tenant_id")
	}
	session, err := security.NewTenantScopedSession(tenantID, e.logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "traversal.run")
	var runErr error
	defer func() { observability.EndSpan(span, runErr) }()

	var res *Result
	switch cfg.Strategy {
	case config.StrategyBoundedCypher:
		res, runErr = e.runBounded(ctx, session, startID, acl, cfg)
	case config.StrategyBatchedBFS:
		res, runErr = e.runBFS(ctx, session, startID, acl, cfg)
	case config.StrategyAPOC:
		res, runErr = e.runAPOC(ctx, session, startID, acl, cfg)
	default:
		res, runErr = e.runAdaptive(ctx, session, startID, acl, cfg, degreeHint)
	}
	if runErr != nil {
		return nil, runErr
	}

	if e.metrics != nil {
		e.metrics.TraversalHops.Observe(float64(res.Hops))
		e.metrics.TraversalNodes.Observe(float64(len(res.Records)))
	}
	return res, nil
}

// runAdaptive picks a strategy from the degree hint. Without a hint it
// tries APOC and falls back to BFS; APOC client errors (typically the
// procedure being absent) also fall back.
func (e *Engine) runAdaptive(ctx context.Context, session *security.TenantScopedSession, startID string, acl graph.ACLParams, cfg Config, degreeHint *int64) (*Result, error) {
	if degreeHint != nil {
		switch d := *degreeHint; {
		case d > cfg.APOCDegreeThreshold:
			res, err := e.runAPOC(ctx, session, startID, acl, cfg)
			if err != nil && isClientError(err) {
				e.logger.Warn("APOC unavailable, falling back to batched BFS", zap.Error(err))
				return e.runBFS(ctx, session, startID, acl, cfg)
			}
			return res, err
		case d > cfg.DegreeThreshold:
			return e.runBFS(ctx, session, startID, acl, cfg)
		default:
			res, err := e.runBounded(ctx, session, startID, acl, cfg)
			if err != nil {
				e.logger.Warn("Bounded traversal failed, falling back to batched BFS", zap.Error(err))
				return e.runBFS(ctx, session, startID, acl, cfg)
			}
			return res, nil
		}
	}
	res, err := e.runAPOC(ctx, session, startID, acl, cfg)
	if err != nil {
		e.logger.Warn("APOC traversal failed, falling back to batched BFS", zap.Error(err))
		return e.runBFS(ctx, session, startID, acl, cfg)
	}
	return res, nil
}

func (e *Engine) runBounded(ctx context.Context, session *security.TenantScopedSession, startID string, acl graph.ACLParams, cfg Config) (*Result, error) {
	cypher := boundedCypherQuery(cfg.MaxHops, cfg.SkipACL)
	params, err := e.validate(session, cfg.SkipACL, cypher, withACL(map[string]any{
		"start_id":  startID,
		"max_nodes": cfg.MaxNodes,
	}, acl, cfg.SkipACL))
	if err != nil {
		return nil, err
	}
	rows, err := e.querier.ExecuteRead(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	res := &Result{Hops: cfg.MaxHops}
	for _, row := range rows {
		res.Records = append(res.Records, rowToRecord(row))
	}
	return res, nil
}

func (e *Engine) runAPOC(ctx context.Context, session *security.TenantScopedSession, startID string, acl graph.ACLParams, cfg Config) (*Result, error) {
	nodesCypher := apocNodesQuery(cfg.SkipACL)
	params, err := e.validate(session, cfg.SkipACL, nodesCypher, withACL(map[string]any{
		"start_id":  startID,
		"max_hops":  cfg.MaxHops,
		"max_nodes": cfg.MaxNodes,
	}, acl, cfg.SkipACL))
	if err != nil {
		return nil, err
	}
	rows, err := e.querier.ExecuteRead(ctx, nodesCypher, params)
	if err != nil {
		return nil, err
	}

	res := &Result{Hops: cfg.MaxHops}
	nodeSet := make(map[string]bool, len(rows))
	for _, row := range rows {
		rec := rowToRecord(row)
		if nodeSet[rec.ID] {
			continue
		}
		nodeSet[rec.ID] = true
		res.Records = append(res.Records, rec)
	}
	if len(res.Records) == 0 {
		return res, nil
	}

	edgesCypher := apocEdgesQuery(cfg.SkipACL)
	edgeParams, err := e.validate(session, cfg.SkipACL, edgesCypher, withACL(map[string]any{
		"node_ids": sortedIDs(nodeSet),
	}, acl, cfg.SkipACL))
	if err != nil {
		return nil, err
	}
	edgeRows, err := e.querier.ExecuteRead(ctx, edgesCypher, edgeParams)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, row := range edgeRows {
		edge := Edge{
			Source: asString(row["source"]),
			Target: asString(row["target"]),
			Type:   asString(row["rel_type"]),
		}
		// Dangling endpoints and undirected duplicates are dropped.
		if !nodeSet[edge.Source] || !nodeSet[edge.Target] {
			continue
		}
		key := pairKey(edge.Source, edge.Target) + "|" + edge.Type
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Edges = append(res.Edges, edge)
	}

	sortRecords(res.Records)
	return res, nil
}

// runBFS is the cooperative multi-hop walk: drain the frontier, check
// degrees in batch, expand normal nodes and supernodes separately,
// prune to the beam, and stop on any exhausted budget. A deadline
// mid-walk returns what was gathered.
func (e *Engine) runBFS(ctx context.Context, session *security.TenantScopedSession, startID string, acl graph.ACLParams, cfg Config) (*Result, error) {
	res := &Result{}
	visited := map[string]bool{}
	resultIDs := map[string]bool{}
	frontier := []string{startID}
	tokenEstimate := 0

	for res.Hops < cfg.MaxHops {
		frontier = drainFrontier(frontier, visited)
		if len(frontier) == 0 {
			break
		}

		degrees, err := e.batchCheckDegrees(ctx, session, frontier)
		if err != nil {
			return e.partialOr(ctx, res, err)
		}

		var normal, supers []string
		for _, id := range frontier {
			if degrees[id] > cfg.MaxNodeDegree {
				supers = append(supers, id)
			} else {
				normal = append(normal, id)
			}
		}
		for _, id := range frontier {
			visited[id] = true
		}

		var hopRecords []Record
		if len(normal) > 0 {
			recs, err := e.expandNormal(ctx, session, normal, visited, acl, cfg)
			if err != nil {
				return e.partialOr(ctx, res, err)
			}
			hopRecords = append(hopRecords, recs...)
		}
		if len(supers) > 0 {
			recs, err := e.expandSupernodes(ctx, session, supers, visited, acl, cfg)
			if err != nil {
				return e.partialOr(ctx, res, err)
			}
			hopRecords = append(hopRecords, recs...)
		}
		res.Hops++

		// Beam pruning: only the top-K by composite score seed the next
		// hop. Everything found this hop still lands in the result.
		sortRecords(hopRecords)
		frontier = frontier[:0]
		for i, rec := range hopRecords {
			if i < cfg.BeamWidth {
				frontier = append(frontier, rec.ID)
			}
			if resultIDs[rec.ID] {
				continue
			}
			resultIDs[rec.ID] = true
			res.Records = append(res.Records, rec)
			tokenEstimate += tokens.FastCount(rec.ID) + estimateProps(rec.Properties)
		}

		if len(visited) >= cfg.MaxVisited {
			break
		}
		if cfg.MaxTokens > 0 && tokenEstimate >= cfg.MaxTokens {
			break
		}
	}

	sortRecords(res.Records)
	return res, nil
}

func (e *Engine) batchCheckDegrees(ctx context.Context, session *security.TenantScopedSession, ids []string) (map[string]int64, error) {
	params, err := session.ValidateQuery(batchDegreeQuery, map[string]any{"ids": ids})
	if err != nil {
		return nil, err
	}
	rows, err := e.querier.ExecuteRead(ctx, batchDegreeQuery, params)
	if err != nil {
		return nil, err
	}
	degrees := make(map[string]int64, len(rows))
	for _, row := range rows {
		degrees[asString(row["id"])] = toInt64(row["degree"])
	}
	return degrees, nil
}

func (e *Engine) expandNormal(ctx context.Context, session *security.TenantScopedSession, frontier []string, visited map[string]bool, acl graph.ACLParams, cfg Config) ([]Record, error) {
	cypher := normalHopQuery(cfg.SkipACL)
	params, err := e.validate(session, cfg.SkipACL, cypher, withACL(map[string]any{
		"frontier":     frontier,
		"visited":      sortedIDs(visited),
		"per_source":   cfg.PerSourceLimit,
		"global_limit": cfg.GlobalLimit,
	}, acl, cfg.SkipACL))
	if err != nil {
		return nil, err
	}
	rows, err := e.querier.ExecuteRead(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToRecord(row))
	}
	return records, nil
}

func (e *Engine) expandSupernodes(ctx context.Context, session *security.TenantScopedSession, supers []string, visited map[string]bool, acl graph.ACLParams, cfg Config) ([]Record, error) {
	baseParams := map[string]any{
		"supernodes":  supers,
		"visited":     sortedIDs(visited),
		"sample_size": cfg.SampleSize,
	}
	var cypher string
	if len(cfg.QueryEmbedding) > 0 {
		cypher = supernodeSemanticQuery(cfg.SkipACL)
		baseParams["query_embedding"] = cfg.QueryEmbedding
		baseParams["similarity_threshold"] = cfg.SimilarityThreshold
	} else {
		cypher = supernodeSampleQuery(cfg.SkipACL)
	}

	params, err := e.validate(session, cfg.SkipACL, cypher, withACL(baseParams, acl, cfg.SkipACL))
	if err != nil {
		return nil, err
	}
	rows, err := e.querier.ExecuteRead(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, rowToRecord(row))
	}
	return records, nil
}

// partialOr converts a deadline hit into a usable partial result.
func (e *Engine) partialOr(ctx context.Context, res *Result, err error) (*Result, error) {
	if ctx.Err() != nil {
		e.logger.Warn("Traversal timed out, returning partial results",
			zap.Int("records", len(res.Records)),
			zap.Int("hops", res.Hops),
		)
		res.Partial = true
		sortRecords(res.Records)
		return res, nil
	}
	return nil, err
}

// validate routes through the ACL-checking provider, or the session
// alone for physically isolated tenants.
func (e *Engine) validate(session *security.TenantScopedSession, skipACL bool, cypher string, params map[string]any) (map[string]any, error) {
	if skipACL {
		return session.ValidateQuery(cypher, params)
	}
	return security.NewSecurityProvider(session).ValidateQuery(cypher, params)
}

func withACL(params map[string]any, acl graph.ACLParams, skipACL bool) map[string]any {
	if skipACL {
		return params
	}
	for k, v := range acl.Params() {
		params[k] = v
	}
	return params
}

func drainFrontier(frontier []string, visited map[string]bool) []string {
	seen := make(map[string]bool, len(frontier))
	var out []string
	for _, id := range frontier {
		if id == "" || visited[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].ID < records[j].ID
	})
}

func sortedIDs(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func rowToRecord(row map[string]any) Record {
	rec := Record{
		ID:       asString(row["id"]),
		Source:   asString(row["source"]),
		PageRank: toFloat(row["pagerank"]),
		Degree:   toInt64(row["degree"]),
	}
	if props, ok := row["props"].(map[string]any); ok {
		rec.Properties = props
	}
	if labels, ok := row["labels"].([]any); ok {
		for _, l := range labels {
			rec.Labels = append(rec.Labels, asString(l))
		}
	}
	rec.Score = compositeScore(rec.PageRank, rec.Degree)
	return rec
}

func estimateProps(props map[string]any) int {
	n := 0
	for k, v := range props {
		n += tokens.FastCount(k) + tokens.FastCount(asString(v))
	}
	return n
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func pairKey(a, b string) string {
	if a <= b {
		return a + "->" + b
	}
	return b + "->" + a
}

// isClientError identifies driver errors the adaptive selector treats
// as a missing capability rather than an outage.
func isClientError(err error) bool {
	var neoErr *neo4j.Neo4jError
	if stderrors.As(err, &neoErr) {
		return strings.HasPrefix(neoErr.Code, "Neo.ClientError")
	}
	msg := err.Error()
	return strings.Contains(msg, "ClientError") || strings.Contains(msg, "no such procedure")
}
