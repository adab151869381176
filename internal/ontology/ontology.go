package ontology

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeType describes one node label's schema.
type NodeType struct {
	Name       string   `yaml:"name"`
	Properties []string `yaml:"properties"`
	UniqueKey  string   `yaml:"unique_key"`
	MergeKeys  []string `yaml:"merge_keys"`
	ACLFields  []string `yaml:"acl_fields"`
}

// EdgeType describes one relationship type's schema, including how its
// endpoint identifiers are matched and under which row fields they arrive.
type EdgeType struct {
	Name           string   `yaml:"name"`
	Properties     []string `yaml:"properties"`
	SourceLabel    string   `yaml:"source_label"`
	TargetLabel    string   `yaml:"target_label"`
	SourceMatchKey string   `yaml:"source_match_key"`
	TargetMatchKey string   `yaml:"target_match_key"`
	SourceParam    string   `yaml:"source_param"`
	TargetParam    string   `yaml:"target_param"`
}

// Ontology enumerates the node and edge types the write layer accepts.
type Ontology struct {
	Nodes []NodeType `yaml:"nodes"`
	Edges []EdgeType `yaml:"edges"`
}

// NodeType looks up a node type by name.
func (o *Ontology) NodeType(name string) (NodeType, bool) {
	for _, n := range o.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeType{}, false
}

// EdgeType looks up an edge type by name.
func (o *Ontology) EdgeType(name string) (EdgeType, bool) {
	for _, e := range o.Edges {
		if e.Name == name {
			return e, true
		}
	}
	return EdgeType{}, false
}

// Default returns the built-in ontology matching the entity structs in
// entity.go.
func Default() *Ontology {
	acl := []string{"team_owner", "namespace_acl", "read_roles"}
	return &Ontology{
		Nodes: []NodeType{
			{
				Name:       TypeService,
				Properties: []string{"id", "name", "language", "framework", "otel_enabled", "tenant_id", "team_owner", "namespace_acl", "read_roles", "confidence", "content_hash"},
				UniqueKey:  "id",
				MergeKeys:  []string{"id", "tenant_id"},
				ACLFields:  acl,
			},
			{
				Name:       TypeDatabase,
				Properties: []string{"id", "type", "tenant_id", "team_owner", "namespace_acl", "read_roles", "content_hash"},
				UniqueKey:  "id",
				MergeKeys:  []string{"id", "tenant_id"},
				ACLFields:  acl,
			},
			{
				Name:       TypeKafkaTopic,
				Properties: []string{"name", "partitions", "retention_ms", "tenant_id", "team_owner", "namespace_acl", "read_roles", "content_hash"},
				UniqueKey:  "name",
				MergeKeys:  []string{"name", "tenant_id"},
				ACLFields:  acl,
			},
			{
				Name:       TypeK8sDeployment,
				Properties: []string{"id", "namespace", "replicas", "tenant_id", "team_owner", "namespace_acl", "read_roles", "content_hash"},
				UniqueKey:  "id",
				MergeKeys:  []string{"id", "tenant_id"},
				ACLFields:  acl,
			},
		},
		Edges: []EdgeType{
			{
				Name:           TypeCalls,
				Properties:     []string{"protocol", "tenant_id", "confidence", "ingestion_id", "last_seen_at"},
				SourceLabel:    TypeService,
				TargetLabel:    TypeService,
				SourceMatchKey: "id",
				TargetMatchKey: "id",
				SourceParam:    "source_service_id",
				TargetParam:    "target_service_id",
			},
			{
				Name:           TypeProduces,
				Properties:     []string{"tenant_id", "confidence", "ingestion_id", "last_seen_at"},
				SourceLabel:    TypeService,
				TargetLabel:    TypeKafkaTopic,
				SourceMatchKey: "id",
				TargetMatchKey: "name",
				SourceParam:    "service_id",
				TargetParam:    "topic_name",
			},
			{
				Name:           TypeConsumes,
				Properties:     []string{"tenant_id", "confidence", "ingestion_id", "last_seen_at"},
				SourceLabel:    TypeService,
				TargetLabel:    TypeKafkaTopic,
				SourceMatchKey: "id",
				TargetMatchKey: "name",
				SourceParam:    "service_id",
				TargetParam:    "topic_name",
			},
			{
				Name:           TypeDeployedIn,
				Properties:     []string{"tenant_id", "confidence", "ingestion_id", "last_seen_at"},
				SourceLabel:    TypeService,
				TargetLabel:    TypeK8sDeployment,
				SourceMatchKey: "id",
				TargetMatchKey: "id",
				SourceParam:    "service_id",
				TargetParam:    "deployment_id",
			},
		},
	}
}

// Load reads an ontology from a yaml file, validating the structural
// requirements: every node type needs a unique key, and merge keys must
// include both the unique key and tenant_id.
func Load(path string) (*Ontology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ontology file: %w", err)
	}
	var ont Ontology
	if err := yaml.Unmarshal(data, &ont); err != nil {
		return nil, fmt.Errorf("failed to parse ontology file: %w", err)
	}
	if err := ont.validate(); err != nil {
		return nil, err
	}
	return &ont, nil
}

func (o *Ontology) validate() error {
	if len(o.Nodes) == 0 {
		return fmt.Errorf("ontology declares no node types")
	}
	for _, n := range o.Nodes {
		if n.UniqueKey == "" {
			return fmt.Errorf("node type %q has no unique_key", n.Name)
		}
		if !contains(n.MergeKeys, n.UniqueKey) || !contains(n.MergeKeys, "tenant_id") {
			return fmt.Errorf("node type %q merge_keys must include %q and tenant_id", n.Name, n.UniqueKey)
		}
	}
	for _, e := range o.Edges {
		if _, ok := o.NodeType(e.SourceLabel); !ok {
			return fmt.Errorf("edge type %q references unknown source label %q", e.Name, e.SourceLabel)
		}
		if _, ok := o.NodeType(e.TargetLabel); !ok {
			return fmt.Errorf("edge type %q references unknown target label %q", e.Name, e.TargetLabel)
		}
	}
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
