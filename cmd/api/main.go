package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"graphmesh-backend/interfaces/http/rest"
	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/cache"
	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/contextmgr"
	"graphmesh-backend/internal/firewall"
	"graphmesh-backend/internal/graph"
	"graphmesh-backend/internal/ingestion"
	"graphmesh-backend/internal/lock"
	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/outbox"
	"graphmesh-backend/internal/resilience"
	"graphmesh-backend/internal/tenant"
	"graphmesh-backend/internal/tokens"
	"graphmesh-backend/pkg/observability"
)

// repoHolder lets the ontology watcher swap in a repository built from a
// reloaded ontology without restarting in-flight collaborators.
type repoHolder struct {
	ptr atomic.Pointer[graph.Repository]
}

func (h *repoHolder) swap(r *graph.Repository) { h.ptr.Store(r) }

func (h *repoHolder) CommitTopologyWithAffectedIDs(ctx context.Context, tenantID string, entities []ontology.Entity) ([]string, error) {
	return h.ptr.Load().CommitTopologyWithAffectedIDs(ctx, tenantID, entities)
}

func (h *repoHolder) PruneStaleEdges(ctx context.Context, tenantID, ingestionID string, maxAge time.Duration) (int, []string, error) {
	return h.ptr.Load().PruneStaleEdges(ctx, tenantID, ingestionID, maxAge)
}

func (h *repoHolder) RefreshDegreeForIDs(ctx context.Context, tenantID string, ids []string) error {
	return h.ptr.Load().RefreshDegreeForIDs(ctx, tenantID, ids)
}

// repoVectorStore backs the outbox drainer with the graph's embedding
// columns.
type repoVectorStore struct {
	repos *repoHolder
}

func (s repoVectorStore) Delete(ctx context.Context, tenantID string, nodeIDs []string) error {
	return s.repos.ptr.Load().RemoveEmbeddings(ctx, tenantID, nodeIDs)
}

// memorySink is the fast outbox tier as both the pipeline and the
// drainer see it.
type memorySink interface {
	Enqueue(ctx context.Context, e outbox.Event) error
	DequeueBatch(limit int) []outbox.Event
	PendingCount() int
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadConfig()

	logger, err := buildLogger(cfg.Mode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics(nil)

	ont, err := loadOntology(cfg.OntologyFile)
	if err != nil {
		logger.Fatal("Failed to load ontology", zap.Error(err))
	}

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URI, neo4j.BasicAuth("neo4j", cfg.Neo4j.Password, ""))
	if err != nil {
		logger.Fatal("Failed to create neo4j driver", zap.Error(err))
	}
	defer driver.Close(ctx)

	querier := graph.NewNeo4jQuerier(driver, cfg.Neo4j.Database)

	repos := &repoHolder{}
	repos.swap(buildRepository(querier, ont, cfg, logger, metrics))

	watcher, err := config.NewOntologyWatcher(cfg.OntologyFile, logger)
	if err != nil {
		logger.Fatal("Failed to start ontology watcher", zap.Error(err))
	}
	defer watcher.Stop()
	watcher.OnChange(func(path string) {
		reloaded, err := ontology.Load(path)
		if err != nil {
			logger.Error("Ontology reload failed, keeping current ontology",
				zap.String("path", path),
				zap.Error(err),
			)
			return
		}
		repos.swap(buildRepository(querier, reloaded, cfg, logger, metrics))
	})

	registry := tenant.NewRegistry(cfg.Neo4j.Database, logger)
	tenantRouter := tenant.NewRouter(driver, registry)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid redis URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	locks := lock.NewManager(rdb, 2*time.Minute, logger)
	caches := cache.NewTieredCache(
		cache.NewLRU(1024),
		cache.NewSharedTier(rdb, cache.DefaultSharedTTL, logger),
		logger, metrics,
	)

	var durable *outbox.DurableOutbox
	if cfg.Mode == config.Production {
		durable = outbox.NewDurableOutbox(querier, logger)
		if err := durable.EnsureIndex(ctx); err != nil {
			logger.Warn("Durable outbox index creation failed", zap.Error(err))
		}
	}

	var memQueue memorySink
	if cfg.Outbox.Coalescing && durable != nil {
		memQueue = outbox.NewCoalescingQueue(1024, durable.Enqueue, logger, metrics)
	} else {
		memQueue = outbox.NewMemoryOutbox(metrics)
	}

	hostname, _ := os.Hostname()
	drainer := outbox.NewDrainer(durable, memQueue, repoVectorStore{repos}, hostname, logger)
	periodic := outbox.NewPeriodicDrainer(drainer, time.Minute, logger)
	go periodic.Run(ctx)

	deps := ingestion.Deps{
		Locks:     ingestion.ManagerLocker{Manager: locks},
		Writer:    repos,
		Memory:    memQueue,
		Cache:     caches,
		Drain:     periodic,
		Tasks:     outbox.NewBoundedTaskSet(16, nil, metrics),
		DLQ:       ingestion.NewDeadLetters(64),
		Mode:      cfg.Mode,
		Workspace: cfg.Workspace,
		Logger:    logger,
		Metrics:   metrics,
	}
	if durable != nil {
		deps.Durable = durable
	}

	if cfg.AST.UseRemote {
		breaker := resilience.NewGlobalProviderBreaker(
			resilience.Settings{Name: "ast-global", FailureThreshold: 10},
			resilience.Settings{Name: "ast-tenant"},
			1024, logger,
		)
		client, err := astclient.Dial(cfg.AST.GRPCEndpoint, breaker, cfg.AST.GRPCTimeout, cfg.AST.MaxRetries, logger)
		if err != nil {
			logger.Fatal("Failed to dial AST service", zap.Error(err))
		}
		defer client.Close()
		deps.Remote = client
		deps.Fixer = client
	} else {
		deps.Local = ingestion.NewLocalPool(cfg.AST.PoolWorkers, ingestion.ExtractGoFile)
	}

	pipeline := ingestion.NewPipeline(deps)
	ingestHandler := rest.NewIngestHandler(pipeline, os.Getenv("INGEST_STAGING_ROOT"), logger)

	delim, err := firewall.NewDelimiter(nil)
	if err != nil {
		logger.Fatal("Failed to initialize context delimiter", zap.Error(err))
	}
	contexts, err := contextmgr.NewManager(tokens.NewCounter(), firewall.NewFirewall(0, logger), delim, logger)
	if err != nil {
		logger.Fatal("Failed to initialize context manager", zap.Error(err))
	}
	traverseHandler := rest.NewTraverseHandler(tenantRouter, contexts, cfg.Traversal, logger, metrics)

	handler := rest.NewRouter(ingestHandler, traverseHandler, cfg.Auth, logger).Setup()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("address", addr),
			zap.String("mode", string(cfg.Mode)),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	// One last drain pass so committed tombstones are not left pending.
	if _, err := drainer.Drain(shutdownCtx); err != nil {
		logger.Warn("Final outbox drain failed", zap.Error(err))
	}
}

func buildLogger(mode config.DeploymentMode) (*zap.Logger, error) {
	if mode == config.Production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func loadOntology(path string) (*ontology.Ontology, error) {
	if path == "" {
		return ontology.Default(), nil
	}
	return ontology.Load(path)
}

func buildRepository(querier graph.Querier, ont *ontology.Ontology, cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) *graph.Repository {
	return graph.NewRepository(querier, ont, logger,
		graph.WithWriteConcurrency(cfg.Graph.WriteConcurrency),
		graph.WithMetrics(metrics),
	)
}
