package ontology

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ContentHash computes the SHA-256 over the entity's canonical JSON,
// excluding the content_hash property itself. json.Marshal of a map emits
// keys in sorted order, which is the canonical form. Computing the hash is
// idempotent: hashing an already-hashed entity yields the same digest.
func ContentHash(e Entity) (string, error) {
	props := e.Properties()
	delete(props, "content_hash")

	canonical, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s %q: %w", e.EntityType(), e.Key(), err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ComputeHashes fills content_hash on every node entity in place. Edges
// carry ingestion metadata rather than a content fingerprint.
func ComputeHashes(entities []Entity) error {
	for _, e := range entities {
		if e.IsEdge() {
			continue
		}
		hash, err := ContentHash(e)
		if err != nil {
			return err
		}
		switch n := e.(type) {
		case *ServiceNode:
			n.ContentHash = hash
		case *DatabaseNode:
			n.ContentHash = hash
		case *KafkaTopicNode:
			n.ContentHash = hash
		case *K8sDeploymentNode:
			n.ContentHash = hash
		default:
			return fmt.Errorf("unknown node type %T at commit time", e)
		}
	}
	return nil
}
