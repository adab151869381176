package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/contextmgr"
	"graphmesh-backend/internal/graph"
	"graphmesh-backend/internal/tenant"
)

type stubQuerier struct {
	rows      []map[string]any
	lastQuery string
}

func (s *stubQuerier) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	return nil, nil
}

func (s *stubQuerier) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	s.lastQuery = cypher
	return s.rows, nil
}

type stubGraphRouter struct {
	querier *stubQuerier
	route   tenant.Route
}

func (s *stubGraphRouter) QuerierFor(tenantID string) (graph.Querier, tenant.Route, error) {
	return s.querier, s.route, nil
}

func newTraverseServer(t *testing.T, router GraphRouter) http.Handler {
	t.Helper()
	contexts, err := contextmgr.NewManager(nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	traverse := NewTraverseHandler(router, contexts, config.Traversal{
		Strategy:  config.StrategyBoundedCypher,
		BeamWidth: 50,
	}, zap.NewNop(), nil)
	ingest := NewIngestHandler(&fakeRunner{}, "", zap.NewNop())
	return NewRouter(ingest, traverse, config.Auth{}, zap.NewNop()).Setup()
}

func traverseBody(t *testing.T, req map[string]any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buf).Encode(req))
	return buf
}

func TestTraverseReturnsRecordsAndContext(t *testing.T) {
	querier := &stubQuerier{rows: []map[string]any{
		{
			"id":       "billing",
			"labels":   []any{"Service"},
			"props":    map[string]any{"name": "billing"},
			"pagerank": 0.4,
			"degree":   int64(7),
		},
	}}
	srv := newTraverseServer(t, &stubGraphRouter{querier: querier})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/traverse",
		traverseBody(t, map[string]any{
			"tenant_id": "acme",
			"start_id":  "payments-api",
			"team":      "core",
		})))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp traverseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "billing", resp.Records[0].ID)
	assert.True(t, strings.HasPrefix(resp.ContextBlock, "<GRAPHCTX_"))
	// Shared-database route keeps the ACL predicate in the query.
	assert.Contains(t, querier.lastQuery, "$acl_team")
}

func TestTraversePhysicalIsolationSkipsACL(t *testing.T) {
	querier := &stubQuerier{}
	srv := newTraverseServer(t, &stubGraphRouter{
		querier: querier,
		route:   tenant.Route{SkipACL: true, Mode: tenant.IsolationPhysical},
	})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/traverse",
		traverseBody(t, map[string]any{
			"tenant_id": "bigcorp",
			"start_id":  "payments-api",
		})))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, querier.lastQuery, "$acl_team")
}

func TestTraverseRequiresStartID(t *testing.T) {
	srv := newTraverseServer(t, &stubGraphRouter{querier: &stubQuerier{}})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/traverse",
		traverseBody(t, map[string]any{"tenant_id": "acme"})))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
