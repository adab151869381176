// Package config loads the orchestrator configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// DeploymentMode selects fail-closed vs fail-open behavior for optional
// infrastructure (durable outbox, auth secret).
type DeploymentMode string

const (
	Development DeploymentMode = "development"
	Production  DeploymentMode = "production"
)

// TraversalStrategy names the traversal engine strategies.
type TraversalStrategy string

const (
	StrategyBoundedCypher TraversalStrategy = "bounded_cypher"
	StrategyBatchedBFS    TraversalStrategy = "batched_bfs"
	StrategyAPOC          TraversalStrategy = "apoc"
	StrategyAdaptive      TraversalStrategy = "adaptive"
)

const (
	// MaxASTPoolWorkers caps the local AST worker pool to prevent OOM on
	// large codebases.
	MaxASTPoolWorkers = 8

	defaultWriteConcurrency  = 4
	defaultBeamWidth         = 50
	defaultWorkspaceMaxBytes = 64 << 20 // 64 MiB
	defaultMaxFileBytes      = 1 << 20  // 1 MiB per file
)

type Config struct {
	Neo4j     Neo4j
	Redis     Redis
	AST       AST
	Auth      Auth
	Mode      DeploymentMode
	Workspace Workspace
	Graph     Graph
	Traversal Traversal
	Outbox    Outbox

	// OntologyFile overrides the built-in ontology when set.
	OntologyFile string
}

type Neo4j struct {
	URI      string
	Password string
	Database string
}

type Redis struct {
	URL string
}

type AST struct {
	UseRemote    bool
	PoolWorkers  int
	GRPCEndpoint string
	GRPCTimeout  time.Duration
	MaxRetries   int
}

type Auth struct {
	TokenSecret   string
	RequireTokens bool
}

type Workspace struct {
	MaxBytes     int64
	MaxFileBytes int64
}

type Graph struct {
	WriteConcurrency int
}

type Traversal struct {
	Strategy  TraversalStrategy
	BeamWidth int
}

type Outbox struct {
	Coalescing bool
}

// LoadConfig reads configuration from environment variables, applying
// defaults and clamps. It never fails; missing required values surface when
// the owning component first connects.
func LoadConfig() Config {
	cfg := Config{
		Neo4j: Neo4j{
			URI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
			Password: os.Getenv("NEO4J_PASSWORD"),
			Database: getEnv("NEO4J_DATABASE", "neo4j"),
		},
		Redis: Redis{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		AST: AST{
			UseRemote:    os.Getenv("USE_REMOTE_AST") == "true",
			PoolWorkers:  clampInt(getEnvInt("AST_POOL_WORKERS", 4), 1, MaxASTPoolWorkers),
			GRPCEndpoint: getEnv("AST_GRPC_ENDPOINT", "localhost:50051"),
			GRPCTimeout:  getEnvDuration("AST_GRPC_TIMEOUT", 30*time.Second),
			MaxRetries:   getEnvInt("AST_GRPC_MAX_RETRIES", 3),
		},
		Auth: Auth{
			TokenSecret:   os.Getenv("AUTH_TOKEN_SECRET"),
			RequireTokens: os.Getenv("AUTH_REQUIRE_TOKENS") == "true",
		},
		Mode: Development,
		Workspace: Workspace{
			MaxBytes:     getEnvInt64("WORKSPACE_MAX_BYTES", defaultWorkspaceMaxBytes),
			MaxFileBytes: getEnvInt64("WORKSPACE_MAX_FILE_BYTES", defaultMaxFileBytes),
		},
		Graph: Graph{
			WriteConcurrency: clampInt(getEnvInt("WRITE_CONCURRENCY", defaultWriteConcurrency), 1, 64),
		},
		Traversal: Traversal{
			Strategy:  StrategyAdaptive,
			BeamWidth: getEnvInt("TRAVERSAL_BEAM_WIDTH", defaultBeamWidth),
		},
		Outbox: Outbox{
			Coalescing: os.Getenv("OUTBOX_COALESCING") != "false", // Default true
		},
		OntologyFile: os.Getenv("ONTOLOGY_FILE"),
	}

	if os.Getenv("DEPLOYMENT_MODE") == string(Production) {
		cfg.Mode = Production
	}

	switch TraversalStrategy(os.Getenv("TRAVERSAL_STRATEGY")) {
	case StrategyBoundedCypher:
		cfg.Traversal.Strategy = StrategyBoundedCypher
	case StrategyBatchedBFS:
		cfg.Traversal.Strategy = StrategyBatchedBFS
	case StrategyAPOC:
		cfg.Traversal.Strategy = StrategyAPOC
	case StrategyAdaptive:
		cfg.Traversal.Strategy = StrategyAdaptive
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
