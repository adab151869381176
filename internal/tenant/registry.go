// Package tenant routes each tenant to its graph database. Physically
// isolated tenants get a dedicated database and skip ACL predicates;
// everyone else shares the default database behind mandatory ACLs.
package tenant

import (
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"graphmesh-backend/internal/graph"
	apperrors "graphmesh-backend/pkg/errors"
)

// IsolationMode says how a tenant's data is separated from others.
type IsolationMode string

const (
	// IsolationLogical shares the default database; every query carries
	// tenant and ACL predicates.
	IsolationLogical IsolationMode = "logical"
	// IsolationPhysical gives the tenant its own database. The database
	// boundary enforces isolation, so traversals may skip ACL
	// predicates.
	IsolationPhysical IsolationMode = "physical"
)

// Route is the resolved destination for a tenant's queries.
type Route struct {
	TenantID string
	Database string
	Mode     IsolationMode
	// SkipACL is only ever true under physical isolation.
	SkipACL bool
}

// Registry maps tenants to databases. Tenants not registered for
// physical isolation fall back to the shared database.
type Registry struct {
	mu              sync.RWMutex
	defaultDatabase string
	physical        map[string]string
	logger          *zap.Logger
}

// NewRegistry creates a registry over the shared default database.
func NewRegistry(defaultDatabase string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defaultDatabase: defaultDatabase,
		physical:        map[string]string{},
		logger:          logger,
	}
}

// RegisterPhysical routes a tenant to its own database.
func (r *Registry) RegisterPhysical(tenantID, database string) error {
	if tenantID == "" {
		return apperrors.NewTenantScopeViolation("cannot register an empty tenant_id")
	}
	if database == "" || database == r.defaultDatabase {
		return apperrors.NewValidationf("physical isolation for %q requires a dedicated database", tenantID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.physical[tenantID] = database
	r.logger.Info("Registered physically isolated tenant",
		zap.String("tenant_id", tenantID),
		zap.String("database", database),
	)
	return nil
}

// Resolve returns the route for a tenant.
func (r *Registry) Resolve(tenantID string) (Route, error) {
	if tenantID == "" {
		return Route{}, apperrors.NewTenantScopeViolation("route resolution requires a tenant_id")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if db, ok := r.physical[tenantID]; ok {
		return Route{TenantID: tenantID, Database: db, Mode: IsolationPhysical, SkipACL: true}, nil
	}
	return Route{TenantID: tenantID, Database: r.defaultDatabase, Mode: IsolationLogical, SkipACL: false}, nil
}

// Router hands out per-tenant queriers over one bolt driver. Queriers
// are cached per database name.
type Router struct {
	mu       sync.Mutex
	driver   neo4j.DriverWithContext
	registry *Registry
	queriers map[string]graph.Querier
}

// NewRouter creates a router over a driver and a registry.
func NewRouter(driver neo4j.DriverWithContext, registry *Registry) *Router {
	return &Router{
		driver:   driver,
		registry: registry,
		queriers: map[string]graph.Querier{},
	}
}

// QuerierFor resolves the tenant's route and returns a querier pinned
// to the routed database.
func (r *Router) QuerierFor(tenantID string) (graph.Querier, Route, error) {
	route, err := r.registry.Resolve(tenantID)
	if err != nil {
		return nil, Route{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queriers[route.Database]
	if !ok {
		q = graph.NewNeo4jQuerier(r.driver, route.Database)
		r.queriers[route.Database] = q
	}
	return q, route, nil
}
