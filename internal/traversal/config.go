// Package traversal implements the bounded graph exploration engine:
// one-shot bounded Cypher, cooperative batched BFS with supernode
// sampling and beam pruning, APOC subgraph expansion, and an adaptive
// selector over the three.
package traversal

import (
	"time"

	"graphmesh-backend/internal/config"
)

// Config bounds one traversal. Zero values take the defaults below.
type Config struct {
	Strategy config.TraversalStrategy

	MaxHops    int
	MaxNodes   int
	MaxVisited int
	BeamWidth  int

	// MaxNodeDegree is the supernode cutoff: frontier nodes above it go
	// through sampled expansion instead of the full hop.
	MaxNodeDegree int64
	SampleSize    int

	// PerSourceLimit caps expansion per frontier node so one high-degree
	// source cannot dominate the hop; GlobalLimit caps the whole hop.
	PerSourceLimit int
	GlobalLimit    int

	// Adaptive thresholds against the caller's degree hint.
	APOCDegreeThreshold int64
	DegreeThreshold     int64

	// MaxTokens stops the walk once the accumulated result estimate
	// exceeds it. Zero disables the token stop.
	MaxTokens int

	Timeout time.Duration

	// SkipACL drops the ACL predicate. Only valid for tenants with
	// physical database isolation.
	SkipACL bool

	// QueryEmbedding switches supernode sampling from deterministic
	// ranking to cosine similarity against this vector.
	QueryEmbedding      []float32
	SimilarityThreshold float64
}

func (c *Config) withDefaults() {
	if c.Strategy == "" {
		c.Strategy = config.StrategyAdaptive
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 5
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 200
	}
	if c.MaxVisited <= 0 {
		c.MaxVisited = 50
	}
	if c.BeamWidth <= 0 {
		c.BeamWidth = 50
	}
	if c.MaxNodeDegree <= 0 {
		c.MaxNodeDegree = 100
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 25
	}
	if c.PerSourceLimit <= 0 {
		c.PerSourceLimit = 20
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = 200
	}
	if c.APOCDegreeThreshold <= 0 {
		c.APOCDegreeThreshold = 1000
	}
	if c.DegreeThreshold <= 0 {
		c.DegreeThreshold = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.7
	}
}

// Record is one ranked traversal result. Source is the frontier node
// the record was reached from when the strategy knows it.
type Record struct {
	ID         string         `json:"id"`
	Source     string         `json:"source,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	PageRank   float64        `json:"pagerank"`
	Degree     int64          `json:"degree"`
	Score      float64        `json:"score"`
}

// Edge is a relationship surfaced by the APOC strategy.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Result carries the ranked records plus strategy metadata.
type Result struct {
	Records []Record
	Edges   []Edge
	Hops    int
	// Partial marks a timeout-truncated walk whose records are still
	// usable.
	Partial bool
}

// compositeScore ranks records for beam pruning.
func compositeScore(pagerank float64, degree int64) float64 {
	return pagerank + float64(degree)/1000.0
}
