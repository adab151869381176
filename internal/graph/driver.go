// Package graph implements the write layer against the property graph:
// batched upserts with deterministic ordering, hot-edge serialization,
// tombstone pruning, degree maintenance, and tenant-scoped reads.
package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Querier abstracts the driver's managed-transaction helpers so the
// repository can be tested against a fake. Managed transactions retry
// transient errors inside the driver.
type Querier interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Neo4jQuerier is the production Querier backed by the bolt driver.
type Neo4jQuerier struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jQuerier wraps a driver for a specific database. With physical
// tenant isolation each tenant routes to its own database name.
func NewNeo4jQuerier(driver neo4j.DriverWithContext, database string) *Neo4jQuerier {
	return &Neo4jQuerier{driver: driver, database: database}
}

func (q *Neo4jQuerier) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := q.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: q.database})
	defer session.Close(ctx)

	rows, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectRows(ctx, tx, cypher, params)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

func (q *Neo4jQuerier) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := q.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: q.database})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectRows(ctx, tx, cypher, params)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

func collectRows(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) ([]map[string]any, error) {
	result, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rec.AsMap())
	}
	return rows, nil
}
