// Package ontology defines the closed set of graph entities, their schema
// metadata, and the generated upsert statements. All write paths flow
// through the statement table built by BuildUnwindQueries so a custom
// ontology loaded from configuration replaces the built-ins everywhere.
package ontology

import (
	"regexp"
	"strings"
	"time"

	apperrors "graphmesh-backend/pkg/errors"
)

// Entity type names. These are also the graph labels / relationship types.
const (
	TypeService       = "Service"
	TypeDatabase      = "Database"
	TypeKafkaTopic    = "KafkaTopic"
	TypeK8sDeployment = "K8sDeployment"
	TypeCalls         = "CALLS"
	TypeProduces      = "PRODUCES"
	TypeConsumes      = "CONSUMES"
	TypeDeployedIn    = "DEPLOYED_IN"
)

// Provenance identifies which extractor produced an entity. The fix-retry
// loop replaces LLM-provenance entities and preserves the rest.
type Provenance string

const (
	ProvenanceLLM      Provenance = "llm"
	ProvenanceAST      Provenance = "ast"
	ProvenanceManifest Provenance = "manifest"
)

var (
	nodeIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,252}$`)
	edgeRefBanned  = "\"'{};\\`\x00"
	maxEdgeRefSize = 512
)

// ValidNodeID reports whether an identifier matches the anchored node
// identifier pattern.
func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}

// ValidEdgeRef reports whether an edge endpoint reference is acceptable:
// non-empty, bounded, and free of quote/brace/semicolon/backslash/backtick
// and NUL characters.
func ValidEdgeRef(ref string) bool {
	if ref == "" || len(ref) > maxEdgeRefSize {
		return false
	}
	return !strings.ContainsAny(ref, edgeRefBanned)
}

// Entity is the tagged union over graph nodes and edges.
type Entity interface {
	// EntityType returns the label (nodes) or relationship type (edges).
	EntityType() string
	// Key returns the primary identity used for deterministic ordering.
	Key() string
	// Tenant returns the tenant the entity belongs to.
	Tenant() string
	// IsEdge distinguishes relationship entities.
	IsEdge() bool
	// Properties renders the UNWIND row for the generated statements.
	Properties() map[string]any
	// Validate checks identifier and field constraints.
	Validate() error
	// Provenance reports which extractor produced the entity.
	Provenance() Provenance
}

// Node-side entities.

// ServiceNode is a deployed service discovered from source or manifests.
type ServiceNode struct {
	ID           string
	Name         string
	Language     string
	Framework    string
	OTelEnabled  bool
	TenantID     string
	TeamOwner    string
	NamespaceACL []string
	ReadRoles    []string
	Confidence   float64
	ContentHash  string
	Source       Provenance
}

func (n *ServiceNode) EntityType() string     { return TypeService }
func (n *ServiceNode) Key() string            { return n.ID }
func (n *ServiceNode) Tenant() string         { return n.TenantID }
func (n *ServiceNode) IsEdge() bool           { return false }
func (n *ServiceNode) Provenance() Provenance { return n.Source }

func (n *ServiceNode) Properties() map[string]any {
	return map[string]any{
		"id":            n.ID,
		"name":          n.Name,
		"language":      n.Language,
		"framework":     n.Framework,
		"otel_enabled":  n.OTelEnabled,
		"tenant_id":     n.TenantID,
		"team_owner":    n.TeamOwner,
		"namespace_acl": stringsOrEmpty(n.NamespaceACL),
		"read_roles":    stringsOrEmpty(n.ReadRoles),
		"confidence":    n.Confidence,
		"content_hash":  n.ContentHash,
	}
}

func (n *ServiceNode) Validate() error {
	if err := requireTenant(n.TenantID); err != nil {
		return err
	}
	if !ValidNodeID(n.ID) {
		return apperrors.NewValidationf("service id %q is not a valid node identifier", n.ID)
	}
	if n.Confidence < 0 || n.Confidence > 1 {
		return apperrors.NewValidationf("service %q confidence %v outside [0,1]", n.ID, n.Confidence)
	}
	return nil
}

// DatabaseNode is a datastore a service depends on.
type DatabaseNode struct {
	ID           string
	Type         string
	TenantID     string
	TeamOwner    string
	NamespaceACL []string
	ReadRoles    []string
	ContentHash  string
	Source       Provenance
}

func (n *DatabaseNode) EntityType() string     { return TypeDatabase }
func (n *DatabaseNode) Key() string            { return n.ID }
func (n *DatabaseNode) Tenant() string         { return n.TenantID }
func (n *DatabaseNode) IsEdge() bool           { return false }
func (n *DatabaseNode) Provenance() Provenance { return n.Source }

func (n *DatabaseNode) Properties() map[string]any {
	return map[string]any{
		"id":            n.ID,
		"type":          n.Type,
		"tenant_id":     n.TenantID,
		"team_owner":    n.TeamOwner,
		"namespace_acl": stringsOrEmpty(n.NamespaceACL),
		"read_roles":    stringsOrEmpty(n.ReadRoles),
		"content_hash":  n.ContentHash,
	}
}

func (n *DatabaseNode) Validate() error {
	if err := requireTenant(n.TenantID); err != nil {
		return err
	}
	if !ValidNodeID(n.ID) {
		return apperrors.NewValidationf("database id %q is not a valid node identifier", n.ID)
	}
	return nil
}

// KafkaTopicNode is a messaging topic declared in a manifest.
type KafkaTopicNode struct {
	Name         string
	Partitions   int
	RetentionMS  int64
	TenantID     string
	TeamOwner    string
	NamespaceACL []string
	ReadRoles    []string
	ContentHash  string
	Source       Provenance
}

func (n *KafkaTopicNode) EntityType() string     { return TypeKafkaTopic }
func (n *KafkaTopicNode) Key() string            { return n.Name }
func (n *KafkaTopicNode) Tenant() string         { return n.TenantID }
func (n *KafkaTopicNode) IsEdge() bool           { return false }
func (n *KafkaTopicNode) Provenance() Provenance { return n.Source }

func (n *KafkaTopicNode) Properties() map[string]any {
	return map[string]any{
		"name":          n.Name,
		"partitions":    n.Partitions,
		"retention_ms":  n.RetentionMS,
		"tenant_id":     n.TenantID,
		"team_owner":    n.TeamOwner,
		"namespace_acl": stringsOrEmpty(n.NamespaceACL),
		"read_roles":    stringsOrEmpty(n.ReadRoles),
		"content_hash":  n.ContentHash,
	}
}

func (n *KafkaTopicNode) Validate() error {
	if err := requireTenant(n.TenantID); err != nil {
		return err
	}
	if !ValidNodeID(n.Name) {
		return apperrors.NewValidationf("topic name %q is not a valid node identifier", n.Name)
	}
	return nil
}

// K8sDeploymentNode is a workload declared in a Kubernetes manifest.
type K8sDeploymentNode struct {
	ID           string
	Namespace    string
	Replicas     int
	TenantID     string
	TeamOwner    string
	NamespaceACL []string
	ReadRoles    []string
	ContentHash  string
	Source       Provenance
}

func (n *K8sDeploymentNode) EntityType() string     { return TypeK8sDeployment }
func (n *K8sDeploymentNode) Key() string            { return n.ID }
func (n *K8sDeploymentNode) Tenant() string         { return n.TenantID }
func (n *K8sDeploymentNode) IsEdge() bool           { return false }
func (n *K8sDeploymentNode) Provenance() Provenance { return n.Source }

func (n *K8sDeploymentNode) Properties() map[string]any {
	return map[string]any{
		"id":            n.ID,
		"namespace":     n.Namespace,
		"replicas":      n.Replicas,
		"tenant_id":     n.TenantID,
		"team_owner":    n.TeamOwner,
		"namespace_acl": stringsOrEmpty(n.NamespaceACL),
		"read_roles":    stringsOrEmpty(n.ReadRoles),
		"content_hash":  n.ContentHash,
	}
}

func (n *K8sDeploymentNode) Validate() error {
	if err := requireTenant(n.TenantID); err != nil {
		return err
	}
	if !ValidNodeID(n.ID) {
		return apperrors.NewValidationf("deployment id %q is not a valid node identifier", n.ID)
	}
	return nil
}

// Edge-side entities. Edges inherit tenant_id from their endpoints and
// carry their own copy for scan predicates.

// CallsEdge is a service-to-service call relationship.
type CallsEdge struct {
	SourceServiceID string
	TargetServiceID string
	Protocol        string
	TenantID        string
	Confidence      float64
	IngestionID     string
	LastSeenAt      time.Time
	Source          Provenance
}

func (e *CallsEdge) EntityType() string     { return TypeCalls }
func (e *CallsEdge) Key() string            { return e.SourceServiceID + "->" + e.TargetServiceID }
func (e *CallsEdge) Tenant() string         { return e.TenantID }
func (e *CallsEdge) IsEdge() bool           { return true }
func (e *CallsEdge) Provenance() Provenance { return e.Source }

func (e *CallsEdge) Properties() map[string]any {
	return map[string]any{
		"source_service_id": e.SourceServiceID,
		"target_service_id": e.TargetServiceID,
		"protocol":          e.Protocol,
		"tenant_id":         e.TenantID,
		"confidence":        e.Confidence,
		"ingestion_id":      e.IngestionID,
		"last_seen_at":      e.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e *CallsEdge) Validate() error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if !ValidEdgeRef(e.SourceServiceID) || !ValidEdgeRef(e.TargetServiceID) {
		return apperrors.NewValidationf("calls edge %q has an invalid endpoint reference", e.Key())
	}
	return nil
}

// ProducesEdge links a service to a topic it publishes to.
type ProducesEdge struct {
	ServiceID   string
	TopicName   string
	TenantID    string
	Confidence  float64
	IngestionID string
	LastSeenAt  time.Time
	Source      Provenance
}

func (e *ProducesEdge) EntityType() string     { return TypeProduces }
func (e *ProducesEdge) Key() string            { return e.ServiceID + "->" + e.TopicName }
func (e *ProducesEdge) Tenant() string         { return e.TenantID }
func (e *ProducesEdge) IsEdge() bool           { return true }
func (e *ProducesEdge) Provenance() Provenance { return e.Source }

func (e *ProducesEdge) Properties() map[string]any {
	return map[string]any{
		"service_id":   e.ServiceID,
		"topic_name":   e.TopicName,
		"tenant_id":    e.TenantID,
		"confidence":   e.Confidence,
		"ingestion_id": e.IngestionID,
		"last_seen_at": e.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e *ProducesEdge) Validate() error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if !ValidEdgeRef(e.ServiceID) || !ValidEdgeRef(e.TopicName) {
		return apperrors.NewValidationf("produces edge %q has an invalid endpoint reference", e.Key())
	}
	return nil
}

// ConsumesEdge links a service to a topic it subscribes to.
type ConsumesEdge struct {
	ServiceID   string
	TopicName   string
	TenantID    string
	Confidence  float64
	IngestionID string
	LastSeenAt  time.Time
	Source      Provenance
}

func (e *ConsumesEdge) EntityType() string     { return TypeConsumes }
func (e *ConsumesEdge) Key() string            { return e.ServiceID + "->" + e.TopicName }
func (e *ConsumesEdge) Tenant() string         { return e.TenantID }
func (e *ConsumesEdge) IsEdge() bool           { return true }
func (e *ConsumesEdge) Provenance() Provenance { return e.Source }

func (e *ConsumesEdge) Properties() map[string]any {
	return map[string]any{
		"service_id":   e.ServiceID,
		"topic_name":   e.TopicName,
		"tenant_id":    e.TenantID,
		"confidence":   e.Confidence,
		"ingestion_id": e.IngestionID,
		"last_seen_at": e.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e *ConsumesEdge) Validate() error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if !ValidEdgeRef(e.ServiceID) || !ValidEdgeRef(e.TopicName) {
		return apperrors.NewValidationf("consumes edge %q has an invalid endpoint reference", e.Key())
	}
	return nil
}

// DeployedInEdge links a service to the deployment that runs it.
type DeployedInEdge struct {
	ServiceID    string
	DeploymentID string
	TenantID     string
	Confidence   float64
	IngestionID  string
	LastSeenAt   time.Time
	Source       Provenance
}

func (e *DeployedInEdge) EntityType() string     { return TypeDeployedIn }
func (e *DeployedInEdge) Key() string            { return e.ServiceID + "->" + e.DeploymentID }
func (e *DeployedInEdge) Tenant() string         { return e.TenantID }
func (e *DeployedInEdge) IsEdge() bool           { return true }
func (e *DeployedInEdge) Provenance() Provenance { return e.Source }

func (e *DeployedInEdge) Properties() map[string]any {
	return map[string]any{
		"service_id":    e.ServiceID,
		"deployment_id": e.DeploymentID,
		"tenant_id":     e.TenantID,
		"confidence":    e.Confidence,
		"ingestion_id":  e.IngestionID,
		"last_seen_at":  e.LastSeenAt.UTC().Format(time.RFC3339Nano),
	}
}

func (e *DeployedInEdge) Validate() error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if !ValidEdgeRef(e.ServiceID) || !ValidEdgeRef(e.DeploymentID) {
		return apperrors.NewValidationf("deployed_in edge %q has an invalid endpoint reference", e.Key())
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return apperrors.NewValidation("tenant_id must not be empty")
	}
	return nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
