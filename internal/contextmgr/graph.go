package contextmgr

import "sort"

const (
	pageRankIterations = 10
	pageRankDamping    = 0.85
)

// nodeGraph is the undirected view of a record set. Node and neighbor
// iteration is sorted so every derived quantity is deterministic.
type nodeGraph struct {
	nodes []string
	adj   map[string]map[string]bool
}

func buildGraph(records []Record) *nodeGraph {
	g := &nodeGraph{adj: map[string]map[string]bool{}}
	addNode := func(n string) {
		if n == "" {
			return
		}
		if _, ok := g.adj[n]; !ok {
			g.adj[n] = map[string]bool{}
			g.nodes = append(g.nodes, n)
		}
	}
	for _, rec := range records {
		addNode(rec.Source)
		addNode(rec.Target)
		if rec.Source != "" && rec.Target != "" && rec.Source != rec.Target {
			g.adj[rec.Source][rec.Target] = true
			g.adj[rec.Target][rec.Source] = true
		}
	}
	sort.Strings(g.nodes)
	return g
}

func (g *nodeGraph) neighbors(n string) []string {
	out := make([]string, 0, len(g.adj[n]))
	for v := range g.adj[n] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// components returns the connected components as sorted node lists.
func (g *nodeGraph) components() [][]string {
	seen := map[string]bool{}
	var comps [][]string
	for _, start := range g.nodes {
		if seen[start] {
			continue
		}
		var comp []string
		stack := []string{start}
		seen[start] = true
		for len(stack) > 0 {
			u := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, u)
			for _, v := range g.neighbors(u) {
				if !seen[v] {
					seen[v] = true
					stack = append(stack, v)
				}
			}
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}
	return comps
}

// pageRank runs the fixed-iteration power method over the symmetric
// adjacency.
func (g *nodeGraph) pageRank() map[string]float64 {
	n := len(g.nodes)
	rank := make(map[string]float64, n)
	if n == 0 {
		return rank
	}
	for _, node := range g.nodes {
		rank[node] = 1.0 / float64(n)
	}
	base := (1 - pageRankDamping) / float64(n)
	for i := 0; i < pageRankIterations; i++ {
		next := make(map[string]float64, n)
		for _, node := range g.nodes {
			next[node] = base
		}
		for _, node := range g.nodes {
			nbrs := g.neighbors(node)
			if len(nbrs) == 0 {
				continue
			}
			share := pageRankDamping * rank[node] / float64(len(nbrs))
			for _, v := range nbrs {
				next[v] += share
			}
		}
		rank = next
	}
	return rank
}

// articulationPoints finds the bridge nodes via the low-link DFS.
func (g *nodeGraph) articulationPoints() map[string]bool {
	disc := map[string]int{}
	low := map[string]int{}
	parent := map[string]string{}
	arts := map[string]bool{}
	idx := 0

	var dfs func(u string)
	dfs = func(u string) {
		idx++
		disc[u] = idx
		low[u] = idx
		children := 0
		for _, v := range g.neighbors(u) {
			if _, visited := disc[v]; !visited {
				parent[v] = u
				children++
				dfs(v)
				if low[v] < low[u] {
					low[u] = low[v]
				}
				if _, hasParent := parent[u]; hasParent && low[v] >= disc[u] {
					arts[u] = true
				}
			} else if v != parent[u] && disc[v] < low[u] {
				low[u] = disc[v]
			}
		}
		if _, hasParent := parent[u]; !hasParent && children > 1 {
			arts[u] = true
		}
	}

	for _, n := range g.nodes {
		if _, visited := disc[n]; !visited {
			dfs(n)
		}
	}
	return arts
}
