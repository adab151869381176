package ingestion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/lock"
	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/outbox"
	"graphmesh-backend/internal/resilience"
	"graphmesh-backend/internal/resolver"
	"graphmesh-backend/pkg/errors"
	"graphmesh-backend/pkg/observability"
)

// GraphWriter is the slice of the repository the pipeline writes through.
type GraphWriter interface {
	CommitTopologyWithAffectedIDs(ctx context.Context, tenantID string, entities []ontology.Entity) ([]string, error)
	PruneStaleEdges(ctx context.Context, tenantID, ingestionID string, maxAge time.Duration) (int, []string, error)
	RefreshDegreeForIDs(ctx context.Context, tenantID string, ids []string) error
}

// CacheInvalidator evicts stale cached results after a commit.
type CacheInvalidator interface {
	InvalidateByNodes(ctx context.Context, tenantID string, nodeIDs []string) error
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// EventSink accepts vector-sync events.
type EventSink interface {
	Enqueue(ctx context.Context, e outbox.Event) error
}

// DrainKicker requests an outbox drain pass without blocking.
type DrainKicker interface {
	Notify()
}

// Lease is a held ingestion lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires the per-(tenant, namespace) ingestion lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, bool, error)
}

// ManagerLocker adapts lock.Manager to the Locker surface.
type ManagerLocker struct {
	Manager *lock.Manager
}

func (l ManagerLocker) Acquire(ctx context.Context, key string) (Lease, bool, error) {
	lk, ok, err := l.Manager.Acquire(ctx, key)
	if lk == nil {
		return nil, ok, err
	}
	return lk, ok, err
}

// Deps wires the pipeline's collaborators. Remote and Local are
// mutually exclusive; a local pool is never built in remote mode.
type Deps struct {
	Remote astclient.Extractor
	Local  *LocalPool
	Fixer  astclient.Extractor

	Locks   Locker
	Writer  GraphWriter
	Durable EventSink
	Memory  EventSink
	Cache   CacheInvalidator
	Drain   DrainKicker
	Tasks   *outbox.BoundedTaskSet
	DLQ     *DeadLetters

	// Resolver merges duplicate entities across extractors before
	// validation. Nil gets the default threshold.
	Resolver *resolver.Resolver

	Mode        config.DeploymentMode
	Workspace   config.Workspace
	StaleWindow time.Duration
	RetryAfter  time.Duration
	// LockRetryDelay is the pause between commit-lock attempts while
	// another ingestion holds the (tenant, namespace) lease.
	LockRetryDelay time.Duration

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

// Pipeline runs one ingestion from workspace to committed topology.
type Pipeline struct {
	deps Deps
}

// NewPipeline validates the dependency set and applies defaults.
func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.StaleWindow <= 0 {
		deps.StaleWindow = 24 * time.Hour
	}
	if deps.RetryAfter <= 0 {
		deps.RetryAfter = 30 * time.Second
	}
	if deps.DLQ == nil {
		deps.DLQ = NewDeadLetters(64)
	}
	if deps.Resolver == nil {
		deps.Resolver = resolver.New(0)
	}
	if deps.LockRetryDelay <= 0 {
		deps.LockRetryDelay = 200 * time.Millisecond
	}
	return &Pipeline{deps: deps}
}

// Run executes the staged pipeline: load, AST extraction, manifests,
// reconciliation, the validation/fix loop, locked commit, post-commit
// side effects.
func (p *Pipeline) Run(ctx context.Context, st *State, workspaceDir string) error {
	if st.TenantID == "" {
		return errors.NewIngestRejection("ingestion requires a tenant_id")
	}

	ctx, span := observability.StartSpan(ctx, "ingestion.run")
	var runErr error
	defer func() { observability.EndSpan(span, runErr) }()

	if runErr = p.loadWorkspace(ctx, st, workspaceDir); runErr != nil {
		return runErr
	}
	if runErr = p.parseSourceAST(ctx, st); runErr != nil {
		return runErr
	}
	if runErr = ParseManifests(st, p.deps.Logger); runErr != nil {
		return runErr
	}

	for {
		// Reconcile before every validation pass: the fix loop can
		// reintroduce duplicate spellings.
		p.reconcile(ctx, st)
		st.ExtractionErrors = ValidateSchema(st.ExtractedNodes)
		if len(st.ExtractionErrors) == 0 {
			break
		}
		if st.ValidationRetries >= MaxValidationRetries {
			p.deps.Logger.Warn("Validation retries exhausted, committing with errors",
				zap.String("ingestion_id", st.IngestionID),
				zap.Int("errors", len(st.ExtractionErrors)),
			)
			break
		}
		p.fixErrors(ctx, st)
	}

	if runErr = p.commit(ctx, st); runErr != nil {
		return runErr
	}
	p.postCommit(ctx, st)
	return nil
}

func (p *Pipeline) loadWorkspace(ctx context.Context, st *State, dir string) error {
	_, span := observability.StartSpan(ctx, "ingestion.load_workspace")
	err := LoadWorkspace(st, dir, p.deps.Workspace, p.deps.Logger)
	observability.EndSpan(span, err)
	return err
}

// parseSourceAST ships pending source files to the extractor. In remote
// mode an open breaker or network failure degrades the run: the payload
// lands in the dead-letter deque and the caller gets a retry hint.
func (p *Pipeline) parseSourceAST(ctx context.Context, st *State) error {
	ctx, span := observability.StartSpan(ctx, "ingestion.parse_source_ast")
	var stageErr error
	defer func() { observability.EndSpan(span, stageErr) }()

	files := st.pendingFiles(sourceExts)
	if len(files) == 0 {
		return nil
	}
	req := astclient.ExtractRequest{
		TenantID:    st.TenantID,
		IngestionID: st.IngestionID,
		Files:       toSourceFiles(files),
	}

	var resp *astclient.ExtractResponse
	var err error
	switch {
	case p.deps.Remote != nil:
		resp, err = p.deps.Remote.Extract(ctx, req)
		if err != nil {
			if errors.IsCircuitOpen(err) || resilience.IsGlobalFailure(err) {
				p.deps.DLQ.Push(req)
				stageErr = errors.NewIngestionDegraded(
					"ast worker fleet unavailable", p.deps.RetryAfter, err)
				return stageErr
			}
			stageErr = err
			return stageErr
		}
	case p.deps.Local != nil:
		resp, err = p.deps.Local.Extract(ctx, req)
		if err != nil {
			stageErr = err
			return stageErr
		}
	default:
		stageErr = errors.NewInternal("no extractor configured", nil)
		return stageErr
	}

	entities, convErrs := convertExtracted(resp.Entities, st.TenantID, st.IngestionID, time.Now().UTC())
	st.ExtractedNodes = append(st.ExtractedNodes, entities...)
	st.ExtractionErrors = append(st.ExtractionErrors, resp.Errors...)
	st.ExtractionErrors = append(st.ExtractionErrors, convErrs...)
	return nil
}

// fixErrors re-invokes the LLM extractor. The result replaces prior
// LLM-provenance entities; manifest entities and exact AST extractions
// survive untouched.
func (p *Pipeline) fixErrors(ctx context.Context, st *State) {
	st.ValidationRetries++
	if p.deps.Fixer == nil {
		return
	}

	req := astclient.ExtractRequest{
		TenantID:    st.TenantID,
		IngestionID: st.IngestionID,
		Files:       toSourceFiles(st.pendingFiles(sourceExts)),
	}
	resp, err := p.deps.Fixer.Extract(ctx, req)
	if err != nil {
		p.deps.Logger.Warn("Fix-errors extraction failed",
			zap.String("ingestion_id", st.IngestionID),
			zap.Int("retry", st.ValidationRetries),
			zap.Error(err),
		)
		return
	}

	var kept []ontology.Entity
	for _, e := range st.ExtractedNodes {
		if e.Provenance() != ontology.ProvenanceLLM {
			kept = append(kept, e)
		}
	}
	replacements, convErrs := convertExtracted(resp.Entities, st.TenantID, st.IngestionID, time.Now().UTC())
	st.ExtractedNodes = append(kept, replacements...)
	st.ExtractionErrors = append(st.ExtractionErrors, convErrs...)
}

// lockRetryAttempts bounds the wait for a contended commit lock: short
// holders get a chance to finish, long holders still reject promptly.
const lockRetryAttempts = 3

// commit writes the topology under the per-(tenant, namespace) lock so
// concurrent ingests for the same pair serialize while distinct tenants
// run in parallel.
func (p *Pipeline) commit(ctx context.Context, st *State) error {
	lease, err := p.acquireCommitLock(ctx, lock.IngestionKey(st.TenantID, st.Namespace))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			p.deps.Logger.Warn("Ingestion lock release failed", zap.Error(rerr))
		}
	}()

	ctx, span := observability.StartSpan(ctx, "ingestion.commit")
	ids, err := p.deps.Writer.CommitTopologyWithAffectedIDs(ctx, st.TenantID, st.ExtractedNodes)
	observability.EndSpan(span, err)
	if err != nil {
		st.CommitStatus = CommitFailed
		p.countRun(CommitFailed)
		p.deps.Logger.Error("Topology commit failed",
			zap.String("ingestion_id", st.IngestionID),
			zap.String("tenant_id", st.TenantID),
			zap.Error(err),
		)
		return err
	}
	st.AffectedIDs = ids
	st.CommitStatus = CommitCommitted
	p.countRun(CommitCommitted)
	return nil
}

// acquireCommitLock waits briefly for a contended lease before
// rejecting the run.
func (p *Pipeline) acquireCommitLock(ctx context.Context, key string) (Lease, error) {
	for attempt := 0; ; attempt++ {
		lease, ok, err := p.deps.Locks.Acquire(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "ingestion lock acquisition failed")
		}
		if ok {
			return lease, nil
		}
		if attempt >= lockRetryAttempts {
			return nil, errors.NewIngestRejection(
				"an ingestion is already running for this tenant and namespace")
		}
		select {
		case <-ctx.Done():
			return nil, errors.NewIngestRejection(
				"an ingestion is already running for this tenant and namespace")
		case <-time.After(p.deps.LockRetryDelay):
		}
	}
}

// postCommit runs the side effects of a successful commit. Failures
// here degrade freshness, not correctness, so everything is WARN-only.
func (p *Pipeline) postCommit(ctx context.Context, st *State) {
	ctx, span := observability.StartSpan(ctx, "ingestion.post_commit")
	defer observability.EndSpan(span, nil)

	count, prunedIDs, err := p.deps.Writer.PruneStaleEdges(ctx, st.TenantID, st.IngestionID, p.deps.StaleWindow)
	if err != nil {
		p.deps.Logger.Warn("Stale-edge prune failed", zap.Error(err))
	}
	st.PrunedIDs = prunedIDs

	if len(prunedIDs) > 0 {
		p.enqueueVectorSync(ctx, st, prunedIDs)
	}
	_ = count

	p.invalidateCaches(ctx, st)

	if p.deps.Tasks != nil && len(st.AffectedIDs) > 0 {
		tenantID, ids := st.TenantID, st.AffectedIDs
		admitted := p.deps.Tasks.Go(func() {
			if err := p.deps.Writer.RefreshDegreeForIDs(context.Background(), tenantID, ids); err != nil {
				p.deps.Logger.Warn("Degree refresh failed", zap.Error(err))
			}
		})
		if !admitted {
			p.deps.Logger.Warn("Degree refresh rejected, task set full",
				zap.String("tenant_id", tenantID))
		}
	}

	if p.deps.Drain != nil {
		p.deps.Drain.Notify()
	}
}

// enqueueVectorSync prefers the durable outbox. Without one, production
// fails closed (the event is lost loudly) while development falls back
// to the in-memory tier.
func (p *Pipeline) enqueueVectorSync(ctx context.Context, st *State, ids []string) {
	event := outbox.NewEvent(st.TenantID, ids, "stale_edges")

	if p.deps.Durable != nil {
		if err := p.deps.Durable.Enqueue(ctx, event); err != nil {
			p.deps.Logger.Error("Durable outbox enqueue failed",
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
		}
		return
	}
	if p.deps.Mode == config.Production {
		p.deps.Logger.Error("No durable outbox in production, vector-sync event dropped",
			zap.String("event_id", event.ID),
			zap.Strings("node_ids", ids),
		)
		return
	}
	if p.deps.Memory != nil {
		if err := p.deps.Memory.Enqueue(ctx, event); err != nil {
			p.deps.Logger.Warn("In-memory outbox enqueue failed", zap.Error(err))
		}
	}
}

// invalidateCaches evicts by affected node ids when known, otherwise by
// tenant with a logged fallback.
func (p *Pipeline) invalidateCaches(ctx context.Context, st *State) {
	if p.deps.Cache == nil {
		return
	}
	ids := append(append([]string(nil), st.AffectedIDs...), st.PrunedIDs...)
	if len(ids) > 0 {
		if err := p.deps.Cache.InvalidateByNodes(ctx, st.TenantID, ids); err != nil {
			p.deps.Logger.Warn("Node-tag cache invalidation failed", zap.Error(err))
		}
		return
	}
	p.deps.Logger.Warn("Affected node set unknown, falling back to tenant-wide cache wipe",
		zap.String("tenant_id", st.TenantID))
	if err := p.deps.Cache.InvalidateTenant(ctx, st.TenantID); err != nil {
		p.deps.Logger.Warn("Tenant cache invalidation failed", zap.Error(err))
	}
}

func (p *Pipeline) countRun(status string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.IngestionRuns.WithLabelValues(status).Inc()
	}
}

func toSourceFiles(files []RawFile) []astclient.SourceFile {
	out := make([]astclient.SourceFile, len(files))
	for i, f := range files {
		out[i] = astclient.SourceFile{
			Path:     f.Path,
			Language: languageFor(f.Path),
			Content:  string(f.Content),
		}
	}
	return out
}

func languageFor(path string) string {
	switch ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	}
	return ""
}
