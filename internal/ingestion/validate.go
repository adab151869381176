package ingestion

import (
	"fmt"

	"graphmesh-backend/internal/ontology"
)

// ValidateSchema checks the extracted entity set for structural
// consistency: field constraints per entity, and edge endpoints that
// resolve against the nodes present in the same batch. Errors accumulate
// one per problem; validation never short-circuits.
func ValidateSchema(entities []ontology.Entity) []string {
	var errs []string

	serviceIDs := make(map[string]bool)
	topicNames := make(map[string]bool)
	deploymentIDs := make(map[string]bool)

	for _, e := range entities {
		if err := e.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		switch n := e.(type) {
		case *ontology.ServiceNode:
			serviceIDs[n.ID] = true
		case *ontology.KafkaTopicNode:
			topicNames[n.Name] = true
		case *ontology.K8sDeploymentNode:
			deploymentIDs[n.ID] = true
		}
	}

	for _, e := range entities {
		switch edge := e.(type) {
		case *ontology.CallsEdge:
			if !serviceIDs[edge.SourceServiceID] {
				errs = append(errs, missingEndpoint("CALLS", "source service", edge.SourceServiceID))
			}
			if !serviceIDs[edge.TargetServiceID] {
				errs = append(errs, missingEndpoint("CALLS", "target service", edge.TargetServiceID))
			}
		case *ontology.ProducesEdge:
			if !serviceIDs[edge.ServiceID] {
				errs = append(errs, missingEndpoint("PRODUCES", "service", edge.ServiceID))
			}
			if !topicNames[edge.TopicName] {
				errs = append(errs, missingEndpoint("PRODUCES", "topic", edge.TopicName))
			}
		case *ontology.ConsumesEdge:
			if !serviceIDs[edge.ServiceID] {
				errs = append(errs, missingEndpoint("CONSUMES", "service", edge.ServiceID))
			}
			if !topicNames[edge.TopicName] {
				errs = append(errs, missingEndpoint("CONSUMES", "topic", edge.TopicName))
			}
		case *ontology.DeployedInEdge:
			if !serviceIDs[edge.ServiceID] {
				errs = append(errs, missingEndpoint("DEPLOYED_IN", "service", edge.ServiceID))
			}
			if !deploymentIDs[edge.DeploymentID] {
				errs = append(errs, missingEndpoint("DEPLOYED_IN", "deployment", edge.DeploymentID))
			}
		}
	}
	return errs
}

func missingEndpoint(edgeType, role, id string) string {
	return fmt.Sprintf("%s edge references unknown %s %q", edgeType, role, id)
}
