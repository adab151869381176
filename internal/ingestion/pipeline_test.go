package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/outbox"
	"graphmesh-backend/pkg/errors"
)

func reqWithID(id string) astclient.ExtractRequest {
	return astclient.ExtractRequest{IngestionID: id}
}

type scriptedExtractor struct {
	calls     int
	responses []*astclient.ExtractResponse
	err       error
}

func (f *scriptedExtractor) Extract(_ context.Context, _ astclient.ExtractRequest) (*astclient.ExtractResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

type fakeWriter struct {
	committed   []ontology.Entity
	commitErr   error
	affectedIDs []string
	prunedIDs   []string
	refreshed   [][]string
	pruneCalls  int
}

func (f *fakeWriter) CommitTopologyWithAffectedIDs(_ context.Context, _ string, entities []ontology.Entity) ([]string, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	f.committed = entities
	return f.affectedIDs, nil
}

func (f *fakeWriter) PruneStaleEdges(_ context.Context, _, _ string, _ time.Duration) (int, []string, error) {
	f.pruneCalls++
	return len(f.prunedIDs), f.prunedIDs, nil
}

func (f *fakeWriter) RefreshDegreeForIDs(_ context.Context, _ string, ids []string) error {
	f.refreshed = append(f.refreshed, ids)
	return nil
}

type fakeCache struct {
	byNodes  [][]string
	byTenant []string
}

func (f *fakeCache) InvalidateByNodes(_ context.Context, _ string, ids []string) error {
	f.byNodes = append(f.byNodes, ids)
	return nil
}

func (f *fakeCache) InvalidateTenant(_ context.Context, tenantID string) error {
	f.byTenant = append(f.byTenant, tenantID)
	return nil
}

type fakeSink struct{ events []outbox.Event }

func (f *fakeSink) Enqueue(_ context.Context, e outbox.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeLease struct{ released bool }

func (l *fakeLease) Release(context.Context) error {
	l.released = true
	return nil
}

type fakeLocker struct {
	held     bool
	failures int
	attempts int
	lease    *fakeLease
}

func (f *fakeLocker) Acquire(context.Context, string) (Lease, bool, error) {
	f.attempts++
	if f.held {
		return nil, false, nil
	}
	if f.failures > 0 {
		f.failures--
		return nil, false, nil
	}
	f.lease = &fakeLease{}
	return f.lease, true, nil
}

type fakeDrain struct{ notified int }

func (f *fakeDrain) Notify() { f.notified++ }

func serviceEntity(id string) astclient.ExtractedEntity {
	return astclient.ExtractedEntity{
		Type:       ontology.TypeService,
		Properties: map[string]any{"id": id, "name": id},
		Confidence: 0.9,
		Provenance: string(ontology.ProvenanceLLM),
	}
}

func callsEntity(src, dst string) astclient.ExtractedEntity {
	return astclient.ExtractedEntity{
		Type:       ontology.TypeCalls,
		Properties: map[string]any{"source_service_id": src, "target_service_id": dst},
		Confidence: 0.8,
		Provenance: string(ontology.ProvenanceLLM),
	}
}

func preloadedState() *State {
	st := NewState("tenant-a", "prod")
	st.RawFiles = []RawFile{{Path: "svc/main.go", Content: []byte("package main")}}
	st.Checkpoint["svc/main.go"] = FilePending
	return st
}

func TestPipelineHappyPath(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{
			serviceEntity("auth"), serviceEntity("billing"), callsEntity("auth", "billing"),
		},
	}}}
	writer := &fakeWriter{affectedIDs: []string{"auth", "billing"}, prunedIDs: []string{"legacy"}}
	cache := &fakeCache{}
	durable := &fakeSink{}
	locker := &fakeLocker{}
	drain := &fakeDrain{}
	tasks := outbox.NewBoundedTaskSet(4, nil, nil)

	p := NewPipeline(Deps{
		Remote:  extractor,
		Locks:   locker,
		Writer:  writer,
		Durable: durable,
		Cache:   cache,
		Drain:   drain,
		Tasks:   tasks,
		Logger:  zap.NewNop(),
	})

	st := preloadedState()
	require.NoError(t, p.Run(context.Background(), st, ""))
	tasks.Wait()

	assert.Equal(t, CommitCommitted, st.CommitStatus)
	assert.Len(t, writer.committed, 3)
	assert.True(t, locker.lease.released)

	// The pruned ids landed in the durable outbox.
	require.Len(t, durable.events, 1)
	assert.Equal(t, []string{"legacy"}, durable.events[0].NodeIDs)
	assert.Equal(t, "tenant-a", durable.events[0].TenantID)

	// Caches evicted by node id, not tenant-wide.
	require.Len(t, cache.byNodes, 1)
	assert.ElementsMatch(t, []string{"auth", "billing", "legacy"}, cache.byNodes[0])
	assert.Empty(t, cache.byTenant)

	// Degree refresh ran asynchronously; the drain was kicked.
	require.Len(t, writer.refreshed, 1)
	assert.Equal(t, []string{"auth", "billing"}, writer.refreshed[0])
	assert.Equal(t, 1, drain.notified)
}

func TestPipelineDegradedFleet(t *testing.T) {
	extractor := &scriptedExtractor{err: errors.NewCircuitOpen("global-provider")}
	dlq := NewDeadLetters(4)
	p := NewPipeline(Deps{
		Remote:     extractor,
		Locks:      &fakeLocker{},
		Writer:     &fakeWriter{},
		DLQ:        dlq,
		RetryAfter: 45 * time.Second,
		Logger:     zap.NewNop(),
	})

	st := preloadedState()
	err := p.Run(context.Background(), st, "")
	require.Error(t, err)
	assert.True(t, errors.IsIngestionDegraded(err))
	assert.Equal(t, 45*time.Second, errors.RetryAfter(err))

	// The payload is parked for later replay.
	assert.Equal(t, 1, dlq.Len())
	assert.Equal(t, CommitPending, st.CommitStatus)
}

func TestPipelineCommitFailureSkipsCacheInvalidation(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth")},
	}}}
	writer := &fakeWriter{commitErr: errors.NewInternal("bolt unavailable", nil)}
	cache := &fakeCache{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Locks:  &fakeLocker{},
		Writer: writer,
		Cache:  cache,
		Logger: zap.NewNop(),
	})

	st := preloadedState()
	err := p.Run(context.Background(), st, "")
	require.Error(t, err)
	assert.Equal(t, CommitFailed, st.CommitStatus)
	assert.Empty(t, cache.byNodes)
	assert.Empty(t, cache.byTenant)
	assert.Zero(t, writer.pruneCalls)
}

func TestPipelineLockContention(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth")},
	}}}
	locker := &fakeLocker{held: true}
	p := NewPipeline(Deps{
		Remote:         extractor,
		Locks:          locker,
		Writer:         &fakeWriter{},
		LockRetryDelay: time.Millisecond,
		Logger:         zap.NewNop(),
	})

	err := p.Run(context.Background(), preloadedState(), "")
	require.Error(t, err)
	assert.True(t, errors.IsIngestRejection(err))
	// The lease was retried before giving up.
	assert.Equal(t, lockRetryAttempts+1, locker.attempts)
}

func TestPipelineLockWaitsBrieflyForLease(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth")},
	}}}
	// The holder releases while this run is waiting.
	locker := &fakeLocker{failures: 2}
	writer := &fakeWriter{}
	p := NewPipeline(Deps{
		Remote:         extractor,
		Locks:          locker,
		Writer:         writer,
		LockRetryDelay: time.Millisecond,
		Logger:         zap.NewNop(),
	})

	st := preloadedState()
	require.NoError(t, p.Run(context.Background(), st, ""))
	assert.Equal(t, CommitCommitted, st.CommitStatus)
	assert.Equal(t, 3, locker.attempts)
	assert.Len(t, writer.committed, 1)
}

func TestPipelineMergesDuplicateServiceSpellings(t *testing.T) {
	// Two extractors reported the same service under different
	// spellings; only the higher-confidence one may reach the writer,
	// carrying fields the other observed, with edges following it.
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{
			{
				Type:       ontology.TypeService,
				Properties: map[string]any{"id": "auth-service", "name": "Auth-Service", "language": "go"},
				Confidence: 0.9,
				Provenance: string(ontology.ProvenanceLLM),
			},
			{
				Type:       ontology.TypeService,
				Properties: map[string]any{"id": "auth_service", "name": "auth_service", "language": "go", "framework": "chi"},
				Confidence: 0.6,
				Provenance: string(ontology.ProvenanceLLM),
			},
			serviceEntity("billing"),
			callsEntity("auth_service", "billing"),
		},
	}}}
	writer := &fakeWriter{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Locks:  &fakeLocker{},
		Writer: writer,
		Logger: zap.NewNop(),
	})

	st := preloadedState()
	require.NoError(t, p.Run(context.Background(), st, ""))
	require.Len(t, writer.committed, 3)

	var services []*ontology.ServiceNode
	var edges []*ontology.CallsEdge
	for _, e := range writer.committed {
		switch v := e.(type) {
		case *ontology.ServiceNode:
			services = append(services, v)
		case *ontology.CallsEdge:
			edges = append(edges, v)
		}
	}

	require.Len(t, services, 2)
	assert.Equal(t, "auth-service", services[0].ID)
	assert.Equal(t, "chi", services[0].Framework, "folded from the merged duplicate")
	assert.InDelta(t, 0.9, services[0].Confidence, 1e-9)
	assert.Equal(t, "billing", services[1].ID)

	require.Len(t, edges, 1)
	assert.Equal(t, "auth-service", edges[0].SourceServiceID)
	assert.Equal(t, "billing", edges[0].TargetServiceID)
}

func TestPipelineFixLoopReplacesLLMEntities(t *testing.T) {
	// First extraction misses the edge target; the fixer returns a
	// corrected set.
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth"), callsEntity("auth", "billing")},
	}}}
	fixer := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{
			serviceEntity("auth"), serviceEntity("billing"), callsEntity("auth", "billing"),
		},
	}}}
	writer := &fakeWriter{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Fixer:  fixer,
		Locks:  &fakeLocker{},
		Writer: writer,
		Logger: zap.NewNop(),
	})

	st := preloadedState()
	require.NoError(t, p.Run(context.Background(), st, ""))

	assert.Equal(t, 1, fixer.calls)
	assert.Equal(t, 1, st.ValidationRetries)
	assert.Empty(t, st.ExtractionErrors)
	assert.Len(t, writer.committed, 3)
}

func TestPipelineFixLoopPreservesManifestEntities(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth"), callsEntity("auth", "billing")},
	}}}
	fixer := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{
			serviceEntity("auth"), serviceEntity("billing"), callsEntity("auth", "billing"),
		},
	}}}
	writer := &fakeWriter{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Fixer:  fixer,
		Locks:  &fakeLocker{},
		Writer: writer,
		Logger: zap.NewNop(),
	})

	st := preloadedState()
	st.RawFiles = append(st.RawFiles, RawFile{Path: "deploy/topic.yaml", Content: []byte(
		"kind: KafkaTopic\nmetadata:\n  name: payments.events\nspec:\n  partitions: 3\n")})
	st.Checkpoint["deploy/topic.yaml"] = FilePending

	require.NoError(t, p.Run(context.Background(), st, ""))

	var topics int
	for _, e := range writer.committed {
		if _, ok := e.(*ontology.KafkaTopicNode); ok {
			topics++
		}
	}
	assert.Equal(t, 1, topics)
	assert.Len(t, writer.committed, 4)
}

func TestPipelineRetriesExhaustedCommitsAnyway(t *testing.T) {
	// Fixer never produces the missing endpoint; after the retry budget
	// the pipeline commits with errors recorded.
	resp := &astclient.ExtractResponse{Entities: []astclient.ExtractedEntity{
		serviceEntity("auth"), callsEntity("auth", "billing"),
	}}
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{resp}}
	fixer := &scriptedExtractor{responses: []*astclient.ExtractResponse{resp}}
	writer := &fakeWriter{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Fixer:  fixer,
		Locks:  &fakeLocker{},
		Writer: writer,
		Logger: zap.NewNop(),
	})

	st := preloadedState()
	require.NoError(t, p.Run(context.Background(), st, ""))

	assert.Equal(t, MaxValidationRetries, st.ValidationRetries)
	assert.NotEmpty(t, st.ExtractionErrors)
	assert.Equal(t, CommitCommitted, st.CommitStatus)
	assert.Len(t, writer.committed, 2)
}

func TestPipelineRejectsEmptyTenant(t *testing.T) {
	p := NewPipeline(Deps{Logger: zap.NewNop()})
	st := NewState("", "prod")
	err := p.Run(context.Background(), st, "")
	require.Error(t, err)
	assert.True(t, errors.IsIngestRejection(err))
}

func TestPipelineDevFallsBackToMemoryOutbox(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth")},
	}}}
	writer := &fakeWriter{prunedIDs: []string{"legacy"}}
	memory := &fakeSink{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Locks:  &fakeLocker{},
		Writer: writer,
		Memory: memory,
		Mode:   config.Development,
		Logger: zap.NewNop(),
	})

	require.NoError(t, p.Run(context.Background(), preloadedState(), ""))
	require.Len(t, memory.events, 1)
	assert.Equal(t, []string{"legacy"}, memory.events[0].NodeIDs)
}

func TestPipelineProductionFailsClosedWithoutDurable(t *testing.T) {
	extractor := &scriptedExtractor{responses: []*astclient.ExtractResponse{{
		Entities: []astclient.ExtractedEntity{serviceEntity("auth")},
	}}}
	writer := &fakeWriter{prunedIDs: []string{"legacy"}}
	memory := &fakeSink{}

	p := NewPipeline(Deps{
		Remote: extractor,
		Locks:  &fakeLocker{},
		Writer: writer,
		Memory: memory,
		Mode:   config.Production,
		Logger: zap.NewNop(),
	})

	require.NoError(t, p.Run(context.Background(), preloadedState(), ""))
	// Production never silently downgrades durability.
	assert.Empty(t, memory.events)
}
