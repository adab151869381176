package ingestion

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"graphmesh-backend/internal/ontology"
	"graphmesh-backend/internal/resolver"
	"graphmesh-backend/pkg/observability"
)

// reconcile collapses duplicate entities before validation, so
// "Auth-Service" from the manifest parser and "auth_service" from the
// AST extractor commit as one node with edges pointing at the survivor.
func (p *Pipeline) reconcile(ctx context.Context, st *State) {
	_, span := observability.StartSpan(ctx, "ingestion.reconcile")
	before := len(st.ExtractedNodes)
	st.ExtractedNodes = ReconcileEntities(st.ExtractedNodes, st.Namespace, p.deps.Resolver)
	observability.EndSpan(span, nil)

	if merged := before - len(st.ExtractedNodes); merged > 0 {
		p.deps.Logger.Info("Reconciled duplicate entities",
			zap.String("ingestion_id", st.IngestionID),
			zap.Int("merged", merged),
		)
	}
}

// ReconcileEntities merges nodes of the same type whose scoped
// identities collide or whose name/attribute similarity clears the
// resolver threshold. The highest-confidence duplicate survives and
// absorbs properties the others observed; edge endpoints that referenced
// a merged-away identifier are rewritten onto the survivor, then
// duplicate edges are dropped. Input order is preserved for the
// survivors.
func ReconcileEntities(entities []ontology.Entity, namespace string, r *resolver.Resolver) []ontology.Entity {
	if r == nil {
		r = resolver.New(0)
	}

	byType := map[string][]nodeRef{}
	for i, e := range entities {
		if !e.IsEdge() {
			byType[e.EntityType()] = append(byType[e.EntityType()], nodeRef{idx: i, ent: e})
		}
	}

	dropped := map[int]bool{}
	alias := map[string]string{}
	for _, refs := range byType {
		mergeNodeGroup(refs, namespace, r, dropped, alias)
	}

	var out []ontology.Entity
	seenEdges := map[string]bool{}
	for i, e := range entities {
		if !e.IsEdge() {
			if !dropped[i] {
				out = append(out, e)
			}
			continue
		}
		rewriteEdgeEndpoints(e, alias)
		key := e.EntityType() + "|" + e.Key()
		if seenEdges[key] {
			continue
		}
		seenEdges[key] = true
		out = append(out, e)
	}
	return out
}

// nodeRef carries a node entity with its position in the extracted set.
type nodeRef struct {
	idx int
	ent ontology.Entity
}

// mergeNodeGroup runs a union-find over one type's nodes and folds each
// group into its best member.
func mergeNodeGroup(refs []nodeRef, namespace string, r *resolver.Resolver, dropped map[int]bool, alias map[string]string) {
	parent := make([]int, len(refs))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	for i := 0; i < len(refs); i++ {
		for j := i + 1; j < len(refs); j++ {
			if sameEntity(refs[i].ent, refs[j].ent, namespace, r) {
				parent[find(j)] = find(i)
			}
		}
	}

	groups := map[int][]int{}
	for i := range refs {
		root := find(i)
		groups[root] = append(groups[root], i)
	}
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		// Highest confidence wins; earliest occurrence breaks ties.
		sort.SliceStable(members, func(a, b int) bool {
			return entityConfidence(refs[members[a]].ent) > entityConfidence(refs[members[b]].ent)
		})
		winner := refs[members[0]].ent
		for _, m := range members[1:] {
			loser := refs[m].ent
			foldEntity(winner, loser)
			dropped[refs[m].idx] = true
			if loser.Key() != winner.Key() {
				alias[loser.Key()] = winner.Key()
			}
		}
	}
}

// sameEntity is the merge decision: exact scoped-identity collision, or
// fuzzy name/attribute similarity over the threshold.
func sameEntity(a, b ontology.Entity, namespace string, r *resolver.Resolver) bool {
	if resolver.ScopedIdentity(a.Tenant(), namespace, a.Key()) ==
		resolver.ScopedIdentity(b.Tenant(), namespace, b.Key()) {
		return true
	}
	return a.Tenant() == b.Tenant() && r.ShouldMerge(mergeCandidate(a), mergeCandidate(b))
}

// mergeCandidate projects an entity onto the resolver's comparison
// surface: its display name plus the string attributes the extractor
// observed.
func mergeCandidate(e ontology.Entity) resolver.Candidate {
	props := e.Properties()
	name := e.Key()
	if s, ok := props["name"].(string); ok && s != "" {
		name = s
	}
	attrs := map[string]string{}
	for k, v := range props {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		switch k {
		case "id", "name", "tenant_id", "content_hash":
			continue
		}
		attrs[k] = s
	}
	return resolver.Candidate{Name: name, Attributes: attrs}
}

// entityConfidence orders duplicates. Entities without an explicit
// confidence rank by provenance: deterministic extractors beat the LLM.
func entityConfidence(e ontology.Entity) float64 {
	if c, ok := e.Properties()["confidence"].(float64); ok && c > 0 {
		return c
	}
	switch e.Provenance() {
	case ontology.ProvenanceManifest, ontology.ProvenanceAST:
		return 1.0
	}
	return 0.5
}

// foldEntity copies fields the winner is missing from a merged-away
// duplicate. Only services carry extractor-specific detail worth
// folding; other node types are fully determined by their key.
func foldEntity(winner, loser ontology.Entity) {
	w, ok := winner.(*ontology.ServiceNode)
	if !ok {
		return
	}
	l, ok := loser.(*ontology.ServiceNode)
	if !ok {
		return
	}
	if w.Language == "" {
		w.Language = l.Language
	}
	if w.Framework == "" {
		w.Framework = l.Framework
	}
	if w.TeamOwner == "" {
		w.TeamOwner = l.TeamOwner
	}
	if len(w.NamespaceACL) == 0 {
		w.NamespaceACL = l.NamespaceACL
	}
	if l.OTelEnabled {
		w.OTelEnabled = true
	}
}

// rewriteEdgeEndpoints maps endpoint references through the merge alias
// table so edges follow their nodes.
func rewriteEdgeEndpoints(e ontology.Entity, alias map[string]string) {
	if len(alias) == 0 {
		return
	}
	resolve := func(ref string) string {
		if survivor, ok := alias[ref]; ok {
			return survivor
		}
		return ref
	}
	switch edge := e.(type) {
	case *ontology.CallsEdge:
		edge.SourceServiceID = resolve(edge.SourceServiceID)
		edge.TargetServiceID = resolve(edge.TargetServiceID)
	case *ontology.ProducesEdge:
		edge.ServiceID = resolve(edge.ServiceID)
		edge.TopicName = resolve(edge.TopicName)
	case *ontology.ConsumesEdge:
		edge.ServiceID = resolve(edge.ServiceID)
		edge.TopicName = resolve(edge.TopicName)
	case *ontology.DeployedInEdge:
		edge.ServiceID = resolve(edge.ServiceID)
		edge.DeploymentID = resolve(edge.DeploymentID)
	}
}
