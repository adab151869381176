package traversal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/graph"
	apperrors "graphmesh-backend/pkg/errors"
)

type capturedQuery struct {
	cypher string
	params map[string]any
}

// fakeTraversalQuerier dispatches on the query shape so one fake can
// serve every strategy.
type fakeTraversalQuerier struct {
	mu       sync.Mutex
	calls    []capturedQuery
	hopCalls int

	degrees      map[string]int64
	hopRows      [][]map[string]any
	sampleRows   []map[string]any
	semanticRows []map[string]any
	boundedRows  []map[string]any
	apocNodeRows []map[string]any
	apocEdgeRows []map[string]any
	apocErr      error

	// blockOnCall stalls the Nth call until the context expires.
	blockOnCall int
}

func (f *fakeTraversalQuerier) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	return nil, fmt.Errorf("unexpected write: %s", cypher)
}

func (f *fakeTraversalQuerier) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, capturedQuery{cypher: cypher, params: params})
	n := len(f.calls)
	f.mu.Unlock()

	if f.blockOnCall > 0 && n == f.blockOnCall {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	switch {
	case strings.Contains(cypher, "UNWIND $ids AS nid"):
		ids, _ := params["ids"].([]string)
		rows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, map[string]any{"id": id, "degree": f.degrees[id]})
		}
		return rows, nil
	case strings.Contains(cypher, "apoc.path.subgraphNodes"):
		if f.apocErr != nil {
			return nil, f.apocErr
		}
		return f.apocNodeRows, nil
	case strings.Contains(cypher, "$node_ids"):
		return f.apocEdgeRows, nil
	case strings.Contains(cypher, "$query_embedding"):
		return f.semanticRows, nil
	case strings.Contains(cypher, "$sample_size"):
		return f.sampleRows, nil
	case strings.Contains(cypher, "$per_source"):
		f.mu.Lock()
		idx := f.hopCalls
		f.hopCalls++
		f.mu.Unlock()
		if idx < len(f.hopRows) {
			return f.hopRows[idx], nil
		}
		return nil, nil
	case strings.Contains(cypher, "rels*1.."):
		return f.boundedRows, nil
	}
	return nil, fmt.Errorf("unexpected query: %s", cypher)
}

func (f *fakeTraversalQuerier) captured() []capturedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedQuery, len(f.calls))
	copy(out, f.calls)
	return out
}

func nodeRow(source, id string, pagerank float64, degree int64) map[string]any {
	return map[string]any{
		"source":   source,
		"id":       id,
		"labels":   []any{"Service"},
		"props":    map[string]any{"name": id},
		"pagerank": pagerank,
		"degree":   degree,
	}
}

func testACL() graph.ACLParams {
	return graph.ACLParams{Team: "core", Namespaces: []string{"payments"}}
}

func recordIDs(records []Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestRunTraversalRequiresTenant(t *testing.T) {
	engine := NewEngine(&fakeTraversalQuerier{}, zap.NewNop(), nil)

	_, err := engine.RunTraversal(context.Background(), "root", "", testACL(), Config{}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsTenantScopeViolation(err))
}

func TestBoundedTraversal(t *testing.T) {
	querier := &fakeTraversalQuerier{
		boundedRows: []map[string]any{
			nodeRow("", "payments-api", 0.8, 12),
			nodeRow("", "billing", 0.3, 4),
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy: config.StrategyBoundedCypher,
		MaxHops:  3,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Hops)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "payments-api", res.Records[0].ID)
	assert.InDelta(t, 0.8+12.0/1000.0, res.Records[0].Score, 1e-9)

	calls := querier.captured()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].cypher, "rels*1..3")
	assert.Equal(t, "acme", calls[0].params["tenant_id"])
	assert.Equal(t, "root", calls[0].params["start_id"])
	assert.Equal(t, "core", calls[0].params["acl_team"])
	assert.Equal(t, false, calls[0].params["is_admin"])
}

func TestBatchedBFSSplitsSupernodes(t *testing.T) {
	querier := &fakeTraversalQuerier{
		degrees: map[string]int64{"root": 5, "hub": 500, "leaf1": 2},
		hopRows: [][]map[string]any{
			{
				nodeRow("root", "hub", 0.1, 500),
				nodeRow("root", "leaf1", 0.5, 2),
			},
			{
				nodeRow("leaf1", "leaf2", 0.2, 1),
			},
		},
		sampleRows: []map[string]any{
			nodeRow("hub", "fan1", 0.05, 3),
			nodeRow("hub", "fan2", 0.04, 3),
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy:      config.StrategyBatchedBFS,
		MaxHops:       2,
		MaxNodeDegree: 10,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Hops)
	assert.ElementsMatch(t, []string{"hub", "leaf1", "leaf2", "fan1", "fan2"}, recordIDs(res.Records))

	var sampleCall, secondHop *capturedQuery
	for _, call := range querier.captured() {
		c := call
		if strings.Contains(c.cypher, "$sample_size") {
			sampleCall = &c
		}
		if strings.Contains(c.cypher, "$per_source") {
			secondHop = &c
		}
	}
	require.NotNil(t, sampleCall, "supernode expansion should use the sampled query")
	assert.Equal(t, []string{"hub"}, sampleCall.params["supernodes"])
	assert.Equal(t, 25, sampleCall.params["sample_size"])
	require.NotNil(t, secondHop)
	assert.Equal(t, []string{"hub", "leaf1", "root"}, secondHop.params["visited"])
}

func TestBatchedBFSBeamPrunesFrontierOnly(t *testing.T) {
	querier := &fakeTraversalQuerier{
		degrees: map[string]int64{"root": 1, "best": 1},
		hopRows: [][]map[string]any{
			{
				nodeRow("root", "best", 0.9, 1),
				nodeRow("root", "mid", 0.5, 1),
				nodeRow("root", "worst", 0.1, 1),
			},
			nil,
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy:  config.StrategyBatchedBFS,
		MaxHops:   2,
		BeamWidth: 1,
	}, nil)

	require.NoError(t, err)
	// All hop records survive into the result.
	assert.ElementsMatch(t, []string{"best", "mid", "worst"}, recordIDs(res.Records))

	var secondHop *capturedQuery
	for _, call := range querier.captured() {
		if strings.Contains(call.cypher, "$per_source") {
			c := call
			secondHop = &c
		}
	}
	require.NotNil(t, secondHop)
	// Only the beam seeds the next hop.
	assert.Equal(t, []string{"best"}, secondHop.params["frontier"])
}

func TestBatchedBFSStopsAtMaxVisited(t *testing.T) {
	querier := &fakeTraversalQuerier{
		degrees: map[string]int64{"root": 1, "a": 1, "b": 1},
		hopRows: [][]map[string]any{
			{
				nodeRow("root", "a", 0.5, 1),
				nodeRow("root", "b", 0.4, 1),
			},
			{
				nodeRow("a", "c", 0.3, 1),
			},
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy:   config.StrategyBatchedBFS,
		MaxHops:    5,
		MaxVisited: 2,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Hops)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, recordIDs(res.Records))
}

func TestBatchedBFSReturnsPartialOnTimeout(t *testing.T) {
	querier := &fakeTraversalQuerier{
		degrees: map[string]int64{"root": 1, "a": 1},
		hopRows: [][]map[string]any{
			{nodeRow("root", "a", 0.5, 1)},
		},
		// First degree check, first hop, then the second degree check
		// stalls past the deadline.
		blockOnCall: 3,
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy: config.StrategyBatchedBFS,
		MaxHops:  3,
		Timeout:  50 * time.Millisecond,
	}, nil)

	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.Hops)
	assert.Equal(t, []string{"a"}, recordIDs(res.Records))
}

func TestBatchedBFSSemanticSampling(t *testing.T) {
	querier := &fakeTraversalQuerier{
		degrees: map[string]int64{"hub": 900},
		semanticRows: []map[string]any{
			nodeRow("hub", "similar", 0.2, 4),
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "hub", "acme", testACL(), Config{
		Strategy:       config.StrategyBatchedBFS,
		MaxHops:        1,
		MaxNodeDegree:  100,
		QueryEmbedding: []float32{0.1, 0.2, 0.3},
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"similar"}, recordIDs(res.Records))

	var semanticCall *capturedQuery
	for _, call := range querier.captured() {
		if strings.Contains(call.cypher, "$query_embedding") {
			c := call
			semanticCall = &c
		}
	}
	require.NotNil(t, semanticCall)
	assert.Contains(t, semanticCall.cypher, "vector.similarity.cosine")
	assert.Equal(t, 0.7, semanticCall.params["similarity_threshold"])
}

func TestAPOCDedupesNodesAndEdges(t *testing.T) {
	querier := &fakeTraversalQuerier{
		apocNodeRows: []map[string]any{
			nodeRow("", "a", 0.5, 2),
			nodeRow("", "b", 0.4, 2),
			nodeRow("", "a", 0.5, 2),
		},
		apocEdgeRows: []map[string]any{
			{"source": "a", "target": "b", "rel_type": "CALLS"},
			{"source": "b", "target": "a", "rel_type": "CALLS"},
			{"source": "a", "target": "ghost", "rel_type": "CALLS"},
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy: config.StrategyAPOC,
	}, nil)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, recordIDs(res.Records))
	require.Len(t, res.Edges, 1)
	assert.Equal(t, "CALLS", res.Edges[0].Type)
}

func TestAdaptiveHighHintFallsBackOnClientError(t *testing.T) {
	querier := &fakeTraversalQuerier{
		apocErr: &neo4j.Neo4jError{
			Code: "Neo.ClientError.Procedure.ProcedureNotFound",
			Msg:  "There is no procedure with the name `apoc.path.subgraphNodes`",
		},
		degrees: map[string]int64{"root": 1},
		hopRows: [][]map[string]any{
			{nodeRow("root", "a", 0.5, 1)},
		},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)
	hint := int64(5000)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy: config.StrategyAdaptive,
		MaxHops:  1,
	}, &hint)

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recordIDs(res.Records))

	calls := querier.captured()
	assert.Contains(t, calls[0].cypher, "apoc.path.subgraphNodes")
}

func TestAdaptiveLowHintUsesBoundedCypher(t *testing.T) {
	querier := &fakeTraversalQuerier{
		boundedRows: []map[string]any{nodeRow("", "a", 0.5, 1)},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)
	hint := int64(10)

	res, err := engine.RunTraversal(context.Background(), "root", "acme", testACL(), Config{
		Strategy: config.StrategyAdaptive,
	}, &hint)

	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recordIDs(res.Records))
	require.Len(t, querier.captured(), 1)
	assert.Contains(t, querier.captured()[0].cypher, "rels*1..")
}

func TestSkipACLOmitsPredicate(t *testing.T) {
	querier := &fakeTraversalQuerier{
		boundedRows: []map[string]any{nodeRow("", "a", 0.5, 1)},
	}
	engine := NewEngine(querier, zap.NewNop(), nil)

	_, err := engine.RunTraversal(context.Background(), "root", "acme", graph.ACLParams{}, Config{
		Strategy: config.StrategyBoundedCypher,
		SkipACL:  true,
	}, nil)

	require.NoError(t, err)
	call := querier.captured()[0]
	assert.NotContains(t, call.cypher, "$acl_team")
	assert.NotContains(t, call.params, "is_admin")
	assert.Equal(t, "acme", call.params["tenant_id"])
}
