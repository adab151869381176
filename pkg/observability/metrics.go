package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics handles application metrics and monitoring
type Metrics struct {
	CommitDuration     *prometheus.HistogramVec
	CommitBatches      *prometheus.CounterVec
	PrunedEdges        prometheus.Counter
	TraversalHops      prometheus.Histogram
	TraversalNodes     prometheus.Histogram
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	OutboxDepth        prometheus.Gauge
	OutboxOverflow     prometheus.Counter
	IngestionRuns      *prometheus.CounterVec
}

// NewMetrics creates and registers the orchestrator's metric set.
// Passing nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		CommitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graph_commit_duration_seconds",
			Help:    "Duration of commit_topology calls by entity type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity_type"}),
		CommitBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graph_commit_batches_total",
			Help: "UNWIND batches written, by entity type and outcome.",
		}, []string{"entity_type", "status"}),
		PrunedEdges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graph_pruned_edges_total",
			Help: "Edges tombstoned by the stale-edge pass.",
		}),
		TraversalHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traversal_hops",
			Help:    "Hops executed per traversal.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		TraversalNodes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traversal_visited_nodes",
			Help:    "Nodes visited per traversal.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by tier.",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by tier.",
		}, []string{"tier"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Breaker state transitions by breaker name and target state.",
		}, []string{"breaker", "to"}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_outbox_pending",
			Help: "Pending vector-sync events in the in-memory outbox.",
		}),
		OutboxOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vector_outbox_overflow_total",
			Help: "Coalescing-queue overflows spilled to the durable outbox.",
		}),
		IngestionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestion_runs_total",
			Help: "Ingestion runs by final commit status.",
		}, []string{"status"}),
	}

	factory(m.CommitDuration)
	factory(m.CommitBatches)
	factory(m.PrunedEdges)
	factory(m.TraversalHops)
	factory(m.TraversalNodes)
	factory(m.CacheHits)
	factory(m.CacheMisses)
	factory(m.BreakerTransitions)
	factory(m.OutboxDepth)
	factory(m.OutboxOverflow)
	factory(m.IngestionRuns)

	return m
}

// ObserveCommit records a per-type commit duration.
func (m *Metrics) ObserveCommit(entityType string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(entityType).Observe(d.Seconds())
}
