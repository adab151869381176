package traversal

import (
	"fmt"

	"graphmesh-backend/internal/security"
)

// aclOrTrue returns the ACL predicate for an alias, or a pass-through
// for physically isolated tenants.
func aclOrTrue(alias string, skipACL bool) string {
	if skipACL {
		return "true"
	}
	return security.BuildACLPredicate(alias)
}

// boundedCypherQuery is the one-shot strategy: a variable-length match
// with the hop bound inlined (Cypher requires a literal there), ACL and
// tombstone filters, and the deterministic ordering.
func boundedCypherQuery(maxHops int, skipACL bool) string {
	return fmt.Sprintf(`MATCH (start {tenant_id: $tenant_id})
WHERE coalesce(start.id, start.name) = $start_id
MATCH path = (start)-[rels*1..%d]-(n {tenant_id: $tenant_id})
WHERE all(rel IN rels WHERE rel.tombstoned_at IS NULL)
  AND %s
WITH DISTINCT n
RETURN coalesce(n.id, n.name) AS id,
       labels(n) AS labels,
       properties(n) AS props,
       coalesce(n.pagerank, 0.0) AS pagerank,
       coalesce(n.degree, 0) AS degree
ORDER BY pagerank DESC, degree DESC, id ASC
LIMIT $max_nodes`, maxHops, aclOrTrue("n", skipACL))
}

// batchDegreeQuery resolves the degree of a whole frontier in one round
// trip.
const batchDegreeQuery = `UNWIND $ids AS nid
MATCH (n {tenant_id: $tenant_id})
WHERE coalesce(n.id, n.name) = nid
RETURN nid AS id, coalesce(n.degree, 0) AS degree`

// normalHopQuery expands normal-degree frontier nodes in one UNWIND.
// The per-source collect cap keeps a single well-connected source from
// claiming the whole hop; the global LIMIT caps the hop as a whole.
func normalHopQuery(skipACL bool) string {
	return fmt.Sprintf(`UNWIND $frontier AS src_id
MATCH (s {tenant_id: $tenant_id})
WHERE coalesce(s.id, s.name) = src_id
MATCH (s)-[r]-(n {tenant_id: $tenant_id})
WHERE r.tombstoned_at IS NULL
  AND NOT coalesce(n.id, n.name) IN $visited
  AND %s
WITH src_id, n
ORDER BY coalesce(n.pagerank, 0.0) DESC, coalesce(n.degree, 0) DESC, coalesce(n.id, n.name) ASC
WITH src_id, collect(n)[0..$per_source] AS capped
UNWIND capped AS n
WITH DISTINCT src_id, n
RETURN src_id AS source,
       coalesce(n.id, n.name) AS id,
       labels(n) AS labels,
       properties(n) AS props,
       coalesce(n.pagerank, 0.0) AS pagerank,
       coalesce(n.degree, 0) AS degree
LIMIT $global_limit`, aclOrTrue("n", skipACL))
}

// supernodeSampleQuery expands supernodes with a deterministic sample:
// the top neighbors by PageRank, degree, then id. Sampling never uses
// rand(), so replicas agree on the walk.
func supernodeSampleQuery(skipACL bool) string {
	return fmt.Sprintf(`UNWIND $supernodes AS src_id
MATCH (s {tenant_id: $tenant_id})
WHERE coalesce(s.id, s.name) = src_id
MATCH (s)-[r]-(n {tenant_id: $tenant_id})
WHERE r.tombstoned_at IS NULL
  AND NOT coalesce(n.id, n.name) IN $visited
  AND %s
WITH src_id, n
ORDER BY coalesce(n.pagerank, 0.0) DESC, coalesce(n.degree, 0) DESC, coalesce(n.id, n.name) ASC
WITH src_id, collect(n)[0..$sample_size] AS sampled
UNWIND sampled AS n
WITH DISTINCT src_id, n
RETURN src_id AS source,
       coalesce(n.id, n.name) AS id,
       labels(n) AS labels,
       properties(n) AS props,
       coalesce(n.pagerank, 0.0) AS pagerank,
       coalesce(n.degree, 0) AS degree`, aclOrTrue("n", skipACL))
}

// supernodeSemanticQuery ranks supernode neighbors by cosine similarity
// to the query embedding, with a floor.
func supernodeSemanticQuery(skipACL bool) string {
	return fmt.Sprintf(`UNWIND $supernodes AS src_id
MATCH (s {tenant_id: $tenant_id})
WHERE coalesce(s.id, s.name) = src_id
MATCH (s)-[r]-(n {tenant_id: $tenant_id})
WHERE r.tombstoned_at IS NULL
  AND NOT coalesce(n.id, n.name) IN $visited
  AND n.embedding IS NOT NULL
  AND %s
WITH src_id, n, vector.similarity.cosine(n.embedding, $query_embedding) AS sim
WHERE sim >= $similarity_threshold
WITH src_id, n
ORDER BY sim DESC
WITH src_id, collect(n)[0..$sample_size] AS sampled
UNWIND sampled AS n
WITH DISTINCT src_id, n
RETURN src_id AS source,
       coalesce(n.id, n.name) AS id,
       labels(n) AS labels,
       properties(n) AS props,
       coalesce(n.pagerank, 0.0) AS pagerank,
       coalesce(n.degree, 0) AS degree`, aclOrTrue("n", skipACL))
}

// apocNodesQuery expands the subgraph through the APOC procedure and
// re-filters tenant and ACL on the way out; the procedure itself does
// not know about tenancy.
func apocNodesQuery(skipACL bool) string {
	return fmt.Sprintf(`MATCH (start {tenant_id: $tenant_id})
WHERE coalesce(start.id, start.name) = $start_id
CALL apoc.path.subgraphNodes(start, {maxLevel: $max_hops, limit: $max_nodes}) YIELD node
WITH node
WHERE node.tenant_id = $tenant_id
  AND %s
RETURN coalesce(node.id, node.name) AS id,
       labels(node) AS labels,
       properties(node) AS props,
       coalesce(node.pagerank, 0.0) AS pagerank,
       coalesce(node.degree, 0) AS degree`, aclOrTrue("node", skipACL))
}

// apocEdgesQuery fetches the relationships among an already-ACL-checked
// node set.
func apocEdgesQuery(skipACL bool) string {
	return fmt.Sprintf(`MATCH (a {tenant_id: $tenant_id})-[r]-(b {tenant_id: $tenant_id})
WHERE coalesce(a.id, a.name) IN $node_ids
  AND coalesce(b.id, b.name) IN $node_ids
  AND r.tombstoned_at IS NULL
  AND %s
RETURN DISTINCT coalesce(a.id, a.name) AS source,
       coalesce(b.id, b.name) AS target,
       type(r) AS rel_type`, aclOrTrue("a", skipACL))
}
