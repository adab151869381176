package ingestion

import (
	"fmt"
	"time"

	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/ontology"
)

// convertExtracted maps fleet output onto ontology entities, stamping
// tenant, ingestion id, and last-seen time. Unknown types are errors
// collected by the caller, never silently dropped.
func convertExtracted(raw []astclient.ExtractedEntity, tenantID, ingestionID string, now time.Time) ([]ontology.Entity, []string) {
	var entities []ontology.Entity
	var errs []string
	for _, e := range raw {
		entity, err := convertOne(e, tenantID, ingestionID, now)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		entities = append(entities, entity)
	}
	return entities, errs
}

func convertOne(e astclient.ExtractedEntity, tenantID, ingestionID string, now time.Time) (ontology.Entity, error) {
	p := e.Properties
	prov := ontology.Provenance(e.Provenance)
	if prov == "" {
		prov = ontology.ProvenanceLLM
	}

	switch e.Type {
	case ontology.TypeService:
		return &ontology.ServiceNode{
			ID:          stringAt(p, "id"),
			Name:        stringAt(p, "name"),
			Language:    stringAt(p, "language"),
			Framework:   stringAt(p, "framework"),
			OTelEnabled: boolAt(p, "otel_enabled"),
			TenantID:    tenantID,
			Confidence:  e.Confidence,
			Source:      prov,
		}, nil
	case ontology.TypeDatabase:
		return &ontology.DatabaseNode{
			ID:       stringAt(p, "id"),
			Type:     stringAt(p, "type"),
			TenantID: tenantID,
			Source:   prov,
		}, nil
	case ontology.TypeKafkaTopic:
		return &ontology.KafkaTopicNode{
			Name:        stringAt(p, "name"),
			Partitions:  intAt(p, "partitions"),
			RetentionMS: int64At(p, "retention_ms"),
			TenantID:    tenantID,
			Source:      prov,
		}, nil
	case ontology.TypeK8sDeployment:
		return &ontology.K8sDeploymentNode{
			ID:        stringAt(p, "id"),
			Namespace: stringAt(p, "namespace"),
			Replicas:  intAt(p, "replicas"),
			TenantID:  tenantID,
			Source:    prov,
		}, nil
	case ontology.TypeCalls:
		return &ontology.CallsEdge{
			SourceServiceID: stringAt(p, "source_service_id"),
			TargetServiceID: stringAt(p, "target_service_id"),
			Protocol:        stringAt(p, "protocol"),
			TenantID:        tenantID,
			Confidence:      e.Confidence,
			IngestionID:     ingestionID,
			LastSeenAt:      now,
			Source:          prov,
		}, nil
	case ontology.TypeProduces:
		return &ontology.ProducesEdge{
			ServiceID:   stringAt(p, "service_id"),
			TopicName:   stringAt(p, "topic_name"),
			TenantID:    tenantID,
			Confidence:  e.Confidence,
			IngestionID: ingestionID,
			LastSeenAt:  now,
			Source:      prov,
		}, nil
	case ontology.TypeConsumes:
		return &ontology.ConsumesEdge{
			ServiceID:   stringAt(p, "service_id"),
			TopicName:   stringAt(p, "topic_name"),
			TenantID:    tenantID,
			Confidence:  e.Confidence,
			IngestionID: ingestionID,
			LastSeenAt:  now,
			Source:      prov,
		}, nil
	case ontology.TypeDeployedIn:
		return &ontology.DeployedInEdge{
			ServiceID:    stringAt(p, "service_id"),
			DeploymentID: stringAt(p, "deployment_id"),
			TenantID:     tenantID,
			Confidence:   e.Confidence,
			IngestionID:  ingestionID,
			LastSeenAt:   now,
			Source:       prov,
		}, nil
	}
	return nil, fmt.Errorf("extractor returned unknown entity type %q", e.Type)
}

func boolAt(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
