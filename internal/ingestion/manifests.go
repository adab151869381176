package ingestion

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"graphmesh-backend/internal/ontology"
)

// ParseManifests extracts topology from the workspace's YAML files:
// Kubernetes Deployments and KafkaTopic declarations. Documents that are
// not mappings are skipped; unrecognized kinds are ignored. Parsed files
// are marked extracted in the checkpoint so fix cycles skip them.
func ParseManifests(st *State, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()

	for _, f := range st.pendingFiles(manifestExts) {
		entities, err := parseManifestFile(f, st.TenantID, st.IngestionID, now)
		if err != nil {
			st.ExtractionErrors = append(st.ExtractionErrors,
				fmt.Sprintf("manifest %s: %v", f.Path, err))
			continue
		}
		st.ExtractedNodes = append(st.ExtractedNodes, entities...)
		st.Checkpoint[f.Path] = FileExtracted
	}
	return nil
}

func parseManifestFile(f RawFile, tenantID, ingestionID string, now time.Time) ([]ontology.Entity, error) {
	var entities []ontology.Entity
	dec := yaml.NewDecoder(bytes.NewReader(f.Content))

	for {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		doc, ok := raw.(map[string]any)
		if !ok {
			// Scalar and sequence documents are not manifests.
			continue
		}
		switch stringAt(doc, "kind") {
		case "Deployment":
			entities = append(entities, deploymentEntities(doc, tenantID, ingestionID, now)...)
		case "KafkaTopic":
			if topic := kafkaTopicEntity(doc, tenantID); topic != nil {
				entities = append(entities, topic)
			}
		}
	}
	return entities, nil
}

func deploymentEntities(doc map[string]any, tenantID, ingestionID string, now time.Time) []ontology.Entity {
	meta := mapAt(doc, "metadata")
	name := stringAt(meta, "name")
	if name == "" {
		return nil
	}
	dep := &ontology.K8sDeploymentNode{
		ID:        name,
		Namespace: stringAt(meta, "namespace"),
		Replicas:  intAt(mapAt(doc, "spec"), "replicas"),
		TenantID:  tenantID,
		Source:    ontology.ProvenanceManifest,
	}
	out := []ontology.Entity{dep}

	// The app label ties the deployment to the service it runs.
	if app := stringAt(mapAt(meta, "labels"), "app"); app != "" {
		out = append(out, &ontology.DeployedInEdge{
			ServiceID:    app,
			DeploymentID: name,
			TenantID:     tenantID,
			Confidence:   1.0,
			IngestionID:  ingestionID,
			LastSeenAt:   now,
			Source:       ontology.ProvenanceManifest,
		})
	}
	return out
}

func kafkaTopicEntity(doc map[string]any, tenantID string) ontology.Entity {
	meta := mapAt(doc, "metadata")
	name := stringAt(meta, "name")
	if name == "" {
		return nil
	}
	spec := mapAt(doc, "spec")
	topic := &ontology.KafkaTopicNode{
		Name:       name,
		Partitions: intAt(spec, "partitions"),
		TenantID:   tenantID,
		Source:     ontology.ProvenanceManifest,
	}
	if cfg := mapAt(spec, "config"); cfg != nil {
		topic.RetentionMS = int64At(cfg, "retention.ms")
	}
	return topic
}

func mapAt(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := m[key].(map[string]any)
	return out
}

func stringAt(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intAt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func int64At(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
