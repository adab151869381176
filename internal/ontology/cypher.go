package ontology

import (
	"fmt"
	"strings"
)

// Statements is the generated statement table for one ontology. The write
// layer dispatches on entity type name; unknown types are a hard error at
// commit time, never silently dropped.
type Statements struct {
	// NodeUnwind maps node type name to its batched UNWIND merge.
	NodeUnwind map[string]string
	// NodeSingle maps node type name to its single-row merge.
	NodeSingle map[string]string
	// EdgeUnwind maps edge type name to its batched MATCH+MERGE.
	EdgeUnwind map[string]string
}

// BuildUnwindQueries generates the full statement table from an ontology.
// Every code path writing to the graph must go through this table so a
// custom ontology loaded from configuration flows through everywhere.
func BuildUnwindQueries(ont *Ontology) *Statements {
	s := &Statements{
		NodeUnwind: make(map[string]string, len(ont.Nodes)),
		NodeSingle: make(map[string]string, len(ont.Nodes)),
		EdgeUnwind: make(map[string]string, len(ont.Edges)),
	}
	for _, n := range ont.Nodes {
		s.NodeUnwind[n.Name] = nodeUnwindMerge(n)
		s.NodeSingle[n.Name] = nodeSingleMerge(n)
	}
	for _, e := range ont.Edges {
		s.EdgeUnwind[e.Name] = edgeUnwindMerge(e)
	}
	return s
}

// nodeUnwindMerge emits:
//
//	UNWIND $batch AS row
//	MERGE (n:Label {k1: row.k1, ...})
//	SET n.p1 = row.p1, ...
//
// Merge keys are excluded from the SET clause: rewriting identity
// properties on MERGE-bound nodes is both redundant and lock-hostile.
func nodeUnwindMerge(n NodeType) string {
	var b strings.Builder
	b.WriteString("UNWIND $batch AS row\n")
	// The session tenant guard: a row smuggled in for another tenant is
	// filtered before it can merge.
	b.WriteString("WITH row WHERE row.tenant_id = $tenant_id\n")
	fmt.Fprintf(&b, "MERGE (n:%s {%s})\n", n.Name, mergePattern(n.MergeKeys, "row."))
	if set := setClause("n", n.Properties, n.MergeKeys, "row."); set != "" {
		b.WriteString("SET ")
		b.WriteString(set)
	}
	return strings.TrimRight(b.String(), "\n")
}

// nodeSingleMerge is the same shape with $name-style parameters.
func nodeSingleMerge(n NodeType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE (n:%s {%s})\n", n.Name, mergePattern(n.MergeKeys, "$"))
	if set := setClause("n", n.Properties, n.MergeKeys, "$"); set != "" {
		b.WriteString("SET ")
		b.WriteString(set)
	}
	return strings.TrimRight(b.String(), "\n")
}

// edgeUnwindMerge emits the endpoint-matched relationship merge. Both
// endpoint MATCH patterns include tenant_id so an edge can never span
// tenants.
func edgeUnwindMerge(e EdgeType) string {
	var b strings.Builder
	b.WriteString("UNWIND $batch AS row\n")
	b.WriteString("WITH row WHERE row.tenant_id = $tenant_id\n")
	fmt.Fprintf(&b, "MATCH (a:%s {%s: row.%s, tenant_id: row.tenant_id}), (b:%s {%s: row.%s, tenant_id: row.tenant_id})\n",
		e.SourceLabel, e.SourceMatchKey, e.SourceParam,
		e.TargetLabel, e.TargetMatchKey, e.TargetParam,
	)
	fmt.Fprintf(&b, "MERGE (a)-[r:%s]->(b)\n", e.Name)
	b.WriteString("SET ")
	// Re-seen edges drop any tombstone from a previous pruning pass.
	if set := setClause("r", e.Properties, nil, "row."); set != "" {
		b.WriteString(set)
		b.WriteString(", ")
	}
	b.WriteString("r.tombstoned_at = null")
	return b.String()
}

func mergePattern(keys []string, prefix string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s%s", k, prefix, k)
	}
	return strings.Join(parts, ", ")
}

func setClause(alias string, props, exclude []string, prefix string) string {
	var parts []string
	for _, p := range props {
		if contains(exclude, p) {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s.%s = %s%s", alias, p, prefix, p))
	}
	return strings.Join(parts, ", ")
}
