// Package resolver decides when two extracted entities are the same
// real-world thing: scoped identity for exact matches, attribute
// similarity for fuzzy merges across extractors.
package resolver

import (
	"sort"
	"strings"
)

// DefaultMergeThreshold is the similarity score at or above which two
// candidates are considered the same entity.
const DefaultMergeThreshold = 0.85

// ScopedIdentity builds the canonical identity key for an entity within
// a repository and namespace. Two entities with equal scoped identities
// are the same entity regardless of which extractor produced them.
func ScopedIdentity(repository, namespace, name string) string {
	return Normalize(repository) + "/" + Normalize(namespace) + "/" + Normalize(name)
}

// Normalize lowers, trims, and strips separator characters so
// "Auth-Service", "auth_service", and "auth service" collide.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '-', '_', ' ', '.':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Candidate is one side of a merge decision: the entity name plus the
// attributes the extractor observed.
type Candidate struct {
	Name       string
	Attributes map[string]string
}

// Resolver merges candidates whose similarity clears the threshold.
type Resolver struct {
	threshold float64
}

// New creates a resolver. A non-positive threshold falls back to the
// default.
func New(threshold float64) *Resolver {
	if threshold <= 0 {
		threshold = DefaultMergeThreshold
	}
	return &Resolver{threshold: threshold}
}

// ShouldMerge reports whether two candidates are the same entity.
func (r *Resolver) ShouldMerge(a, b Candidate) bool {
	return Similarity(a, b) >= r.threshold
}

// Similarity scores two candidates in [0,1]: token-set ratio over the
// normalized names, blended with attribute overlap when both sides
// carry attributes. Names dominate because attributes are often sparse.
func Similarity(a, b Candidate) float64 {
	nameScore := tokenSetRatio(a.Name, b.Name)
	if len(a.Attributes) == 0 || len(b.Attributes) == 0 {
		return nameScore
	}
	return 0.7*nameScore + 0.3*attributeOverlap(a.Attributes, b.Attributes)
}

// tokenSetRatio is the Jaccard ratio over the separator-split token
// sets of both names.
func tokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	inter := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case '-', '_', ' ', '.', '/':
			return true
		}
		return false
	})
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// attributeOverlap is the share of keys present on both sides whose
// normalized values agree, over the union of keys.
func attributeOverlap(a, b map[string]string) float64 {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	if len(keys) == 0 {
		return 0
	}
	agree := 0
	for k := range keys {
		va, oka := a[k]
		vb, okb := b[k]
		if oka && okb && Normalize(va) == Normalize(vb) {
			agree++
		}
	}
	return float64(agree) / float64(len(keys))
}

// MergeGroups partitions candidates into groups of mutually merged
// entities. Grouping is transitive through a union-find so A~B and B~C
// land A, B, C together even when A and C alone fall under the
// threshold. Output order is deterministic.
func (r *Resolver) MergeGroups(candidates []Candidate) [][]Candidate {
	parent := make([]int, len(candidates))
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
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if r.ShouldMerge(candidates[i], candidates[j]) {
				parent[find(j)] = find(i)
			}
		}
	}

	byRoot := make(map[int][]Candidate)
	for i, c := range candidates {
		root := find(i)
		byRoot[root] = append(byRoot[root], c)
	}
	roots := make([]int, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	groups := make([][]Candidate, 0, len(roots))
	for _, root := range roots {
		groups = append(groups, byRoot[root])
	}
	return groups
}
