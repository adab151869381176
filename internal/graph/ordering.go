package graph

import (
	"sort"

	"graphmesh-backend/internal/ontology"
)

// sortEntitiesForWrite produces the deterministic total order on
// (type name, primary key). This is the database lock-acquisition order
// and must be identical across replicas to prevent deadlocks on hot
// targets.
func sortEntitiesForWrite(entities []ontology.Entity) []ontology.Entity {
	sorted := make([]ontology.Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].EntityType() != sorted[j].EntityType() {
			return sorted[i].EntityType() < sorted[j].EntityType()
		}
		return sorted[i].Key() < sorted[j].Key()
	})
	return sorted
}

// partition splits entities into nodes and edges, preserving order.
func partition(entities []ontology.Entity) (nodes, edges []ontology.Entity) {
	for _, e := range entities {
		if e.IsEdge() {
			edges = append(edges, e)
		} else {
			nodes = append(nodes, e)
		}
	}
	return nodes, edges
}

// groupByType buckets entities by concrete type name, preserving order
// within each bucket.
func groupByType(entities []ontology.Entity) map[string][]ontology.Entity {
	groups := make(map[string][]ontology.Entity)
	for _, e := range entities {
		groups[e.EntityType()] = append(groups[e.EntityType()], e)
	}
	return groups
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chunkList splits records into batches of at most size.
func chunkList(records []ontology.Entity, size int) [][]ontology.Entity {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var chunks [][]ontology.Entity
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// detectHotTargets returns the edge targets whose in-degree within the
// current batch meets the threshold. Writing all edges into such a target
// concurrently collapses onto one entity lock; those edges are serialized
// instead.
func detectHotTargets(ont *ontology.Ontology, edges []ontology.Entity, threshold int) map[string]struct{} {
	if threshold <= 0 {
		threshold = DefaultHotEdgeThreshold
	}
	inDegree := make(map[string]int)
	for _, e := range edges {
		if target := edgeTargetID(ont, e); target != "" {
			inDegree[target]++
		}
	}
	hot := make(map[string]struct{})
	for target, degree := range inDegree {
		if degree >= threshold {
			hot[target] = struct{}{}
		}
	}
	return hot
}

// edgeTargetID extracts an edge's target identifier via the ontology's
// target param name.
func edgeTargetID(ont *ontology.Ontology, e ontology.Entity) string {
	et, ok := ont.EdgeType(e.EntityType())
	if !ok {
		return ""
	}
	if id, ok := e.Properties()[et.TargetParam].(string); ok {
		return id
	}
	return ""
}

// edgeTarget is the method form used by the repository.
func (r *Repository) edgeTarget(e ontology.Entity) string {
	return edgeTargetID(r.ont, e)
}

// affectedIDs collects the node identifiers touched by a commit: node
// keys plus edge endpoints. These are the degree-refresh candidates.
func affectedIDs(entities []ontology.Entity) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, e := range entities {
		if !e.IsEdge() {
			add(e.Key())
			continue
		}
		props := e.Properties()
		for _, k := range []string{"source_service_id", "target_service_id", "service_id", "topic_name", "deployment_id"} {
			if v, ok := props[k].(string); ok {
				add(v)
			}
		}
	}
	sort.Strings(ids)
	return ids
}
