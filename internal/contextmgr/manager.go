// Package contextmgr turns traversal candidates into a ranked,
// token-bounded context block: connected-component grouping, community
// compression or PageRank+bridge truncation for oversized components,
// and fenced prompt formatting.
package contextmgr

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"graphmesh-backend/internal/firewall"
	"graphmesh-backend/internal/tokens"
)

const (
	// BridgeScoreMultiplier boosts truncation candidates that touch an
	// articulation node, scaled by the component's top PageRank.
	BridgeScoreMultiplier = 2.0

	// maxBridgeEdges bounds the bridge edge list on a community summary.
	maxBridgeEdges = 5
)

// Record is one context candidate: an edge between two nodes, or a lone
// node when Target is empty. Content carries the prompt-visible keys.
type Record struct {
	Source  string
	Target  string
	Content map[string]any
	Score   float64
}

func (r Record) anchor() string {
	if r.Source != "" {
		return r.Source
	}
	return r.Target
}

// Manager assembles prompt context under a token budget.
type Manager struct {
	counter *tokens.Counter
	fw      *firewall.Firewall
	delim   *firewall.Delimiter
	logger  *zap.Logger
}

// NewManager creates a context manager. A nil counter or firewall takes
// the defaults; a nil delimiter mints its own process secret.
func NewManager(counter *tokens.Counter, fw *firewall.Firewall, delim *firewall.Delimiter, logger *zap.Logger) (*Manager, error) {
	if counter == nil {
		counter = tokens.NewCounter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fw == nil {
		fw = firewall.NewFirewall(0, logger)
	}
	if delim == nil {
		d, err := firewall.NewDelimiter(nil)
		if err != nil {
			return nil, err
		}
		delim = d
	}
	return &Manager{counter: counter, fw: fw, delim: delim, logger: logger}, nil
}

// RankCandidates sorts candidates by score descending. The sort is
// stable so equal-score inputs keep their arrival order.
func RankCandidates(records []Record) []Record {
	out := make([]Record, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Component is a connected group of candidate records.
type Component struct {
	Records []Record
	Nodes   []string
	// MinScore is the weakest edge in the component; connected
	// components rank by it.
	MinScore float64
}

// Isolated reports whether the component is a single lone node.
func (c Component) Isolated() bool { return len(c.Nodes) <= 1 }

// ConnectedComponents groups records by the connected components of
// their endpoints, ranked by minimum edge score descending.
func ConnectedComponents(records []Record) []Component {
	g := buildGraph(records)
	nodeSets := g.components()
	index := map[string]int{}
	for i, nodes := range nodeSets {
		for _, n := range nodes {
			index[n] = i
		}
	}

	comps := make([]Component, len(nodeSets))
	for i, nodes := range nodeSets {
		comps[i].Nodes = nodes
	}
	for _, rec := range records {
		i, ok := index[rec.anchor()]
		if !ok {
			continue
		}
		c := &comps[i]
		if len(c.Records) == 0 || rec.Score < c.MinScore {
			c.MinScore = rec.Score
		}
		c.Records = append(c.Records, rec)
	}

	sort.SliceStable(comps, func(i, j int) bool {
		if comps[i].MinScore != comps[j].MinScore {
			return comps[i].MinScore > comps[j].MinScore
		}
		return comps[i].Nodes[0] < comps[j].Nodes[0]
	})
	return comps
}

// SelectForBudget produces the ranked, token-bounded candidate subset.
// Components that fit the remaining budget are admitted whole; an
// oversized component is compressed to community summaries when it
// spans at least two communities, otherwise truncated by
// PageRank+bridge score.
func (m *Manager) SelectForBudget(records []Record, budget tokens.Budget) []Record {
	ranked := RankCandidates(records)
	if budget.MaxResults > 0 && len(ranked) > budget.MaxResults {
		ranked = ranked[:budget.MaxResults]
	}

	remaining := budget.MaxContextTokens
	var out []Record
	for _, comp := range ConnectedComponents(ranked) {
		need := 0
		for _, rec := range comp.Records {
			need += m.recordTokens(rec)
		}
		if need <= remaining {
			out = append(out, comp.Records...)
			remaining -= need
			continue
		}

		if summaries, ok := compressToCommunities(comp); ok {
			admitted := 0
			for _, s := range summaries {
				t := m.recordTokens(s)
				if t > remaining {
					break
				}
				out = append(out, s)
				remaining -= t
				admitted++
			}
			m.logger.Info("Compressed oversized component to community summaries",
				zap.Int("members", len(comp.Nodes)),
				zap.Int("summaries", admitted),
			)
			continue
		}

		truncated := m.truncateByPageRank(comp, remaining)
		for _, rec := range truncated {
			remaining -= m.recordTokens(rec)
		}
		out = append(out, truncated...)
		m.logger.Info("Truncated oversized component by PageRank",
			zap.Int("candidates", len(comp.Records)),
			zap.Int("kept", len(truncated)),
		)
	}

	return RankCandidates(out)
}

// communityOf partitions nodes by their namespace prefix. Nodes without
// one share a single general community.
func communityOf(node string) string {
	if i := strings.LastIndex(node, "/"); i > 0 {
		return node[:i]
	}
	return "general"
}

// compressToCommunities reduces a component spanning two or more
// communities to one summary record per community. Returns false when
// the component is a single community and truncation must be used.
func compressToCommunities(comp Component) ([]Record, bool) {
	members := map[string][]string{}
	for _, n := range comp.Nodes {
		c := communityOf(n)
		members[c] = append(members[c], n)
	}
	if len(members) < 2 {
		return nil, false
	}

	communityIDs := make([]string, 0, len(members))
	for c := range members {
		communityIDs = append(communityIDs, c)
	}
	sort.Strings(communityIDs)

	crossEdges := map[string]int{}
	bridges := map[string][]map[string]any{}
	maxScore := map[string]float64{}
	for _, rec := range comp.Records {
		for _, n := range []string{rec.Source, rec.Target} {
			if n == "" {
				continue
			}
			c := communityOf(n)
			if rec.Score > maxScore[c] {
				maxScore[c] = rec.Score
			}
		}
		if rec.Source == "" || rec.Target == "" {
			continue
		}
		cs, ct := communityOf(rec.Source), communityOf(rec.Target)
		if cs == ct {
			continue
		}
		crossEdges[cs]++
		crossEdges[ct]++
		if len(bridges[cs]) < maxBridgeEdges {
			bridges[cs] = append(bridges[cs], map[string]any{"node": rec.Source, "connects_to": rec.Target})
		}
		if len(bridges[ct]) < maxBridgeEdges {
			bridges[ct] = append(bridges[ct], map[string]any{"node": rec.Target, "connects_to": rec.Source})
		}
	}

	summaries := make([]Record, 0, len(communityIDs))
	for _, c := range communityIDs {
		sorted := append([]string(nil), members[c]...)
		sort.Strings(sorted)
		summaries = append(summaries, Record{
			Source: c,
			Content: map[string]any{
				"community_id":          c,
				"member_count":          len(sorted),
				"members":               sorted,
				"cross_community_edges": crossEdges[c],
				"bridge_edges":          bridges[c],
			},
			Score: maxScore[c],
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Score > summaries[j].Score
	})
	return summaries, true
}

// truncateByPageRank admits the highest-value candidates of an
// oversized component until the sub-budget runs out. Candidates score
// by the max PageRank of their endpoints, boosted when they touch an
// articulation node. After the first edge, an edge whose endpoints are
// both absent from the included set is skipped so the kept subgraph
// stays connected.
func (m *Manager) truncateByPageRank(comp Component, subBudget int) []Record {
	g := buildGraph(comp.Records)
	pr := g.pageRank()
	arts := g.articulationPoints()

	maxPR := 0.0
	for _, v := range pr {
		if v > maxPR {
			maxPR = v
		}
	}

	type scored struct {
		rec   Record
		value float64
	}
	cands := make([]scored, 0, len(comp.Records))
	for _, rec := range comp.Records {
		v := pr[rec.Source]
		if pr[rec.Target] > v {
			v = pr[rec.Target]
		}
		if arts[rec.Source] || arts[rec.Target] {
			v += BridgeScoreMultiplier * maxPR
		}
		cands = append(cands, scored{rec: rec, value: v})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].value != cands[j].value {
			return cands[i].value > cands[j].value
		}
		return cands[i].rec.anchor() < cands[j].rec.anchor()
	})

	included := map[string]bool{}
	var out []Record
	for _, c := range cands {
		rec := c.rec
		if len(out) > 0 && rec.Source != "" && rec.Target != "" &&
			!included[rec.Source] && !included[rec.Target] {
			continue
		}
		t := m.recordTokens(rec)
		if t > subBudget {
			continue
		}
		subBudget -= t
		out = append(out, rec)
		if rec.Source != "" {
			included[rec.Source] = true
		}
		if rec.Target != "" {
			included[rec.Target] = true
		}
	}
	return out
}

func (m *Manager) recordTokens(rec Record) int {
	return m.counter.Count(m.renderRecord(0, rec))
}
