package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/resolver"
)

func TestReconcileEntitiesMergesSpellingVariants(t *testing.T) {
	entities := []ontology.Entity{
		&ontology.ServiceNode{ID: "auth_service", Name: "auth_service", Language: "go", Framework: "chi",
			TenantID: "tenant-a", Confidence: 0.6, Source: ontology.ProvenanceLLM},
		&ontology.ServiceNode{ID: "auth-service", Name: "Auth-Service", Language: "go",
			TenantID: "tenant-a", Confidence: 0.9, Source: ontology.ProvenanceLLM},
		&ontology.CallsEdge{SourceServiceID: "auth_service", TargetServiceID: "billing", TenantID: "tenant-a"},
		&ontology.CallsEdge{SourceServiceID: "auth-service", TargetServiceID: "billing", TenantID: "tenant-a"},
	}

	out := ReconcileEntities(entities, "prod", resolver.New(0))
	require.Len(t, out, 2)

	svc, ok := out[0].(*ontology.ServiceNode)
	require.True(t, ok)
	assert.Equal(t, "auth-service", svc.ID)
	assert.Equal(t, "chi", svc.Framework, "folded from the merged duplicate")

	// Both edges collapse onto one after endpoint rewriting.
	edge, ok := out[1].(*ontology.CallsEdge)
	require.True(t, ok)
	assert.Equal(t, "auth-service", edge.SourceServiceID)
	assert.Equal(t, "billing", edge.TargetServiceID)
}

func TestReconcileEntitiesDeterministicProvenanceWins(t *testing.T) {
	// The manifest parser saw the service without a confidence score;
	// deterministic provenance still outranks the scored LLM duplicate.
	llm := &ontology.ServiceNode{ID: "payments", Name: "payments", Language: "go",
		TenantID: "tenant-a", Confidence: 0.8, Source: ontology.ProvenanceLLM}
	manifest := &ontology.ServiceNode{ID: "payments", Name: "payments",
		TenantID: "tenant-a", Source: ontology.ProvenanceManifest}

	out := ReconcileEntities([]ontology.Entity{llm, manifest}, "prod", nil)
	require.Len(t, out, 1)

	svc, ok := out[0].(*ontology.ServiceNode)
	require.True(t, ok)
	assert.Equal(t, ontology.ProvenanceManifest, svc.Source)
	assert.Equal(t, "go", svc.Language, "folded from the merged duplicate")
}

func TestReconcileEntitiesKeepsDistinctServices(t *testing.T) {
	entities := []ontology.Entity{
		&ontology.ServiceNode{ID: "auth", Name: "auth", TenantID: "tenant-a", Source: ontology.ProvenanceAST},
		&ontology.ServiceNode{ID: "billing", Name: "billing", TenantID: "tenant-a", Source: ontology.ProvenanceAST},
	}
	out := ReconcileEntities(entities, "prod", nil)
	assert.Len(t, out, 2)
}

func TestReconcileEntitiesScopesByTenant(t *testing.T) {
	// Same spelling under different tenants never merges.
	entities := []ontology.Entity{
		&ontology.ServiceNode{ID: "auth", Name: "auth", TenantID: "tenant-a", Source: ontology.ProvenanceAST},
		&ontology.ServiceNode{ID: "auth", Name: "auth", TenantID: "tenant-b", Source: ontology.ProvenanceAST},
	}
	out := ReconcileEntities(entities, "prod", nil)
	assert.Len(t, out, 2)
}
