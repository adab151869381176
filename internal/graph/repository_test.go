package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/pkg/errors"
)

type capturedCall struct {
	cypher string
	params map[string]any
}

// fakeQuerier records every statement. Batched writes run concurrently,
// so access is mutex-guarded.
type fakeQuerier struct {
	mu     sync.Mutex
	writes []capturedCall
	reads  []capturedCall

	writeRows []map[string]any
	readRows  []map[string]any
	writeErr  error
}

func (f *fakeQuerier) ExecuteWrite(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, capturedCall{cypher: cypher, params: params})
	return f.writeRows, f.writeErr
}

func (f *fakeQuerier) ExecuteRead(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, capturedCall{cypher: cypher, params: params})
	return f.readRows, nil
}

func (f *fakeQuerier) batchLen(i int) int {
	batch, _ := f.writes[i].params["batch"].([]map[string]any)
	return len(batch)
}

func newTestRepo(t *testing.T, q Querier, opts ...Option) *Repository {
	t.Helper()
	return NewRepository(q, ontology.Default(), zap.NewNop(), opts...)
}

func svc(id string) *ontology.ServiceNode {
	return &ontology.ServiceNode{ID: id, Name: id, TenantID: "tenant-a", Confidence: 1.0}
}

func calls(src, dst string) *ontology.CallsEdge {
	return &ontology.CallsEdge{
		SourceServiceID: src,
		TargetServiceID: dst,
		TenantID:        "tenant-a",
		IngestionID:     "ing-1",
		LastSeenAt:      time.Now(),
	}
}

func TestCommitTopologyWritesNodesBeforeEdges(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1))

	entities := []ontology.Entity{
		calls("billing", "auth"),
		svc("billing"),
		svc("auth"),
		&ontology.DatabaseNode{ID: "pg-main", TenantID: "tenant-a"},
	}
	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a", entities))

	require.Len(t, q.writes, 3)
	// Node types land first in sorted type order, the edge type last.
	assert.Contains(t, q.writes[0].cypher, "MERGE (n:Database")
	assert.Contains(t, q.writes[1].cypher, "MERGE (n:Service")
	assert.Contains(t, q.writes[2].cypher, "MERGE (a)-[r:CALLS]->(b)")
}

func TestCommitTopologyDeterministicOrderWithinType(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1))

	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a",
		[]ontology.Entity{svc("zeta"), svc("alpha"), svc("mid")}))

	require.Len(t, q.writes, 1)
	batch := q.writes[0].params["batch"].([]map[string]any)
	require.Len(t, batch, 3)
	assert.Equal(t, "alpha", batch[0]["id"])
	assert.Equal(t, "mid", batch[1]["id"])
	assert.Equal(t, "zeta", batch[2]["id"])
}

func TestCommitTopologyChunksBatches(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1), WithBatchSize(2))

	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a",
		[]ontology.Entity{svc("a"), svc("b"), svc("c"), svc("d"), svc("e")}))

	require.Len(t, q.writes, 3)
	assert.Equal(t, 2, q.batchLen(0))
	assert.Equal(t, 2, q.batchLen(1))
	assert.Equal(t, 1, q.batchLen(2))
}

func TestCommitTopologyComputesContentHashes(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1))

	node := svc("auth")
	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a", []ontology.Entity{node}))

	assert.NotEmpty(t, node.ContentHash)
	batch := q.writes[0].params["batch"].([]map[string]any)
	assert.Equal(t, node.ContentHash, batch[0]["content_hash"])
}

func TestCommitTopologyInjectsTenantParam(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1))

	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a", []ontology.Entity{svc("auth")}))
	assert.Equal(t, "tenant-a", q.writes[0].params["tenant_id"])
}

func TestCommitTopologyRejectsEmptyTenant(t *testing.T) {
	repo := newTestRepo(t, &fakeQuerier{})

	err := repo.CommitTopology(context.Background(), "", []ontology.Entity{svc("auth")})
	require.Error(t, err)
	assert.True(t, errors.IsTenantScopeViolation(err))
}

type mysteryEdge struct{ ontology.CallsEdge }

func (e *mysteryEdge) EntityType() string { return "TELEPORTS_TO" }

func TestCommitTopologyFailsOnUnknownType(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q)

	edge := &mysteryEdge{}
	edge.TenantID = "tenant-a"
	err := repo.CommitTopology(context.Background(), "tenant-a", []ontology.Entity{edge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TELEPORTS_TO")
	assert.Empty(t, q.writes)
}

func TestCommitTopologySerializesHotEdges(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1), WithHotEdgeThreshold(3))

	entities := []ontology.Entity{
		calls("a", "hub"),
		calls("b", "hub"),
		calls("c", "hub"),
		calls("a", "quiet"),
	}
	require.NoError(t, repo.CommitTopology(context.Background(), "tenant-a", entities))

	// One cold write for the quiet edge, one serialized write for the hub.
	require.Len(t, q.writes, 2)
	assert.Equal(t, 1, q.batchLen(0))
	assert.Equal(t, 3, q.batchLen(1))
	hot := q.writes[1].params["batch"].([]map[string]any)
	for _, row := range hot {
		assert.Equal(t, "hub", row["target_service_id"])
	}
}

func TestCommitTopologyWithAffectedIDs(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q, WithWriteConcurrency(1))

	ids, err := repo.CommitTopologyWithAffectedIDs(context.Background(), "tenant-a",
		[]ontology.Entity{svc("auth"), calls("auth", "billing")})
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "billing"}, ids)
}

func TestPruneStaleEdgesReturnsEndpointIDs(t *testing.T) {
	q := &fakeQuerier{
		writeRows: []map[string]any{
			{"source_id": "auth", "target_id": "billing"},
			{"source_id": "auth", "target_id": "ledger"},
		},
	}
	repo := newTestRepo(t, q)

	count, ids, err := repo.PruneStaleEdges(context.Background(), "tenant-a", "ing-2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"auth", "billing", "ledger"}, ids)

	require.Len(t, q.writes, 1)
	assert.Contains(t, q.writes[0].cypher, "SET r.tombstoned_at = $now")
	assert.Equal(t, "tenant-a", q.writes[0].params["tenant_id"])
	assert.Equal(t, "ing-2", q.writes[0].params["ingestion_id"])
}

func TestRefreshDegreeForIDsSkipsEmptySet(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q)

	require.NoError(t, repo.RefreshDegreeForIDs(context.Background(), "tenant-a", nil))
	assert.Empty(t, q.writes)

	require.NoError(t, repo.RefreshDegreeForIDs(context.Background(), "tenant-a", []string{"auth"}))
	require.Len(t, q.writes, 1)
	assert.Contains(t, q.writes[0].cypher, "SET n.degree = degree")
}

func TestReadTopologyRequiresTenant(t *testing.T) {
	repo := newTestRepo(t, &fakeQuerier{})

	_, err := repo.ReadTopology(context.Background(), "Service", "", ACLParams{})
	require.Error(t, err)
	assert.True(t, errors.IsTenantScopeViolation(err))
}

func TestReadTopologyRejectsUnknownLabel(t *testing.T) {
	repo := newTestRepo(t, &fakeQuerier{})

	_, err := repo.ReadTopology(context.Background(), "Service) MATCH (m", "tenant-a", ACLParams{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestReadTopologyAppliesACLPredicate(t *testing.T) {
	q := &fakeQuerier{
		readRows: []map[string]any{
			{"node": map[string]any{"id": "auth", "tenant_id": "tenant-a"}},
		},
	}
	repo := newTestRepo(t, q)

	nodes, err := repo.ReadTopology(context.Background(), "Service", "tenant-a", ACLParams{
		Team:       "platform",
		Namespaces: []string{"prod"},
	})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "auth", nodes[0]["id"])

	require.Len(t, q.reads, 1)
	call := q.reads[0]
	assert.Contains(t, call.cypher, "n.team_owner = $acl_team")
	assert.Contains(t, call.cypher, "$acl_namespaces")
	assert.Equal(t, "tenant-a", call.params["tenant_id"])
	assert.Equal(t, "platform", call.params["acl_team"])
	assert.Equal(t, false, call.params["is_admin"])
}

func TestCreateVectorIndexValidatesIdentifiers(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q)

	err := repo.CreateVectorIndex(context.Background(), "svc_embedding", "Service; DROP", "embedding", 1536)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Empty(t, q.writes)

	require.NoError(t, repo.CreateVectorIndex(context.Background(), "svc_embedding", "Service", "embedding", 1536))
	require.Len(t, q.writes, 1)
	assert.True(t, strings.HasPrefix(q.writes[0].cypher, "CREATE VECTOR INDEX svc_embedding"))
	assert.Equal(t, 1536, q.writes[0].params["dimensions"])
}

func TestUpsertEmbeddingsValidatesIdentifiers(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q)

	err := repo.UpsertEmbeddings(context.Background(), "tenant-a", "Service", "embedding`x", nil)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	rows := []EmbeddingRow{{ID: "auth", Vector: []float32{0.1, 0.2}}}
	require.NoError(t, repo.UpsertEmbeddings(context.Background(), "tenant-a", "Service", "embedding", rows))
	require.Len(t, q.writes, 1)
	assert.Equal(t, "tenant-a", q.writes[0].params["tenant_id"])
	batch := q.writes[0].params["batch"].([]map[string]any)
	assert.Equal(t, "auth", batch[0]["id"])
}

func TestRemoveEmbeddings(t *testing.T) {
	q := &fakeQuerier{}
	repo := newTestRepo(t, q)

	require.NoError(t, repo.RemoveEmbeddings(context.Background(), "tenant-a", nil))
	assert.Empty(t, q.writes)

	require.NoError(t, repo.RemoveEmbeddings(context.Background(), "tenant-a", []string{"auth", "billing"}))
	require.Len(t, q.writes, 1)
	assert.Contains(t, q.writes[0].cypher, "REMOVE n.embedding")
	assert.Equal(t, "tenant-a", q.writes[0].params["tenant_id"])
	assert.Equal(t, []string{"auth", "billing"}, q.writes[0].params["ids"])
}
