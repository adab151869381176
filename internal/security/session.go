// Package security enforces tenant scoping and ACL predicates on every
// graph query, at runtime (TenantScopedSession, SecurityProvider) and at
// build time (the cypher constant scanner in scanner.go).
package security

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	apperrors "graphmesh-backend/pkg/errors"
)

// ddlAllowlist holds exact statements that are exempt from tenant scoping.
var ddlAllowlist = map[string]struct{}{
	"SHOW INDEXES":     {},
	"SHOW CONSTRAINTS": {},
	"CALL db.schema.visualization()": {},
}

// ddlPrefixes are statement prefixes that identify DDL: index and
// constraint management, schema-namespace procedure calls, drops.
var ddlPrefixes = []string{
	"CREATE INDEX",
	"CREATE CONSTRAINT",
	"CREATE VECTOR INDEX",
	"CREATE FULLTEXT INDEX",
	"DROP INDEX",
	"DROP CONSTRAINT",
	"CALL db.schema.",
	"CALL db.index.",
}

// aclMarkers are the parameters/properties at least one of which must
// appear in every data query.
var aclMarkers = []string{
	"$is_admin",
	"$acl_team",
	"$acl_namespaces",
	"team_owner",
	"namespace_acl",
}

var matchKeywordRe = regexp.MustCompile(`(?i)\bMATCH\b`)

// scopeTerminators end a MATCH scope. WHERE is part of the scope: the
// tenant predicate may live there instead of in the pattern.
var scopeTerminatorRe = regexp.MustCompile(`(?i)\b(MATCH|RETURN|MERGE|UNWIND|CREATE|DELETE|DETACH)\b`)

// IsDDL reports whether the query text is on the static DDL allowlist or
// matches an allowed DDL prefix.
func IsDDL(cypher string) bool {
	q := strings.TrimSpace(cypher)
	if _, ok := ddlAllowlist[q]; ok {
		return true
	}
	upper := strings.ToUpper(q)
	for _, p := range ddlPrefixes {
		if strings.HasPrefix(upper, strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

// TenantScopedSession refuses data queries that are not tenant-scoped and
// pins the tenant_id parameter to the session tenant.
type TenantScopedSession struct {
	tenantID string
	logger   *zap.Logger
}

// NewTenantScopedSession creates a session guard for a tenant. An empty
// tenant is rejected at construction rather than per query.
func NewTenantScopedSession(tenantID string, logger *zap.Logger) (*TenantScopedSession, error) {
	if tenantID == "" {
		return nil, apperrors.NewTenantScopeViolation("session tenant_id must not be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantScopedSession{tenantID: tenantID, logger: logger}, nil
}

// TenantID returns the session tenant.
func (s *TenantScopedSession) TenantID() string { return s.tenantID }

// ValidateQuery enforces tenant scoping on a query and returns the params
// with the session tenant injected. DDL passes through untouched. A
// params tenant_id differing from the session tenant is a violation.
func (s *TenantScopedSession) ValidateQuery(cypher string, params map[string]any) (map[string]any, error) {
	if IsDDL(cypher) {
		return params, nil
	}
	if !strings.Contains(cypher, "$tenant_id") {
		return nil, apperrors.NewTenantScopeViolation("data query does not reference $tenant_id")
	}

	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if existing, ok := out["tenant_id"]; ok {
		if existing != s.tenantID {
			return nil, apperrors.NewTenantScopeViolation("params tenant_id does not match session tenant")
		}
	} else {
		out["tenant_id"] = s.tenantID
	}
	return out, nil
}

// SecurityProvider layers ACL enforcement on top of tenant scoping: data
// queries must carry at least one ACL marker and every MATCH scope must
// reference tenant_id.
type SecurityProvider struct {
	session *TenantScopedSession
}

// NewSecurityProvider wraps a session with ACL checks.
func NewSecurityProvider(session *TenantScopedSession) *SecurityProvider {
	return &SecurityProvider{session: session}
}

// ValidateQuery applies session validation plus ACL checks.
func (p *SecurityProvider) ValidateQuery(cypher string, params map[string]any) (map[string]any, error) {
	out, err := p.session.ValidateQuery(cypher, params)
	if err != nil {
		return nil, err
	}
	if IsDDL(cypher) {
		return out, nil
	}
	if !HasACLMarker(cypher) {
		return nil, apperrors.NewSecurityViolation("data query carries no ACL predicate")
	}
	if clause, ok := unscopedMatch(cypher); ok {
		return nil, apperrors.NewSecurityViolation("MATCH scope without tenant_id: " + strings.TrimSpace(clause))
	}
	return out, nil
}

// HasACLMarker reports whether the query references any ACL parameter or
// ACL property.
func HasACLMarker(cypher string) bool {
	for _, m := range aclMarkers {
		if strings.Contains(cypher, m) {
			return true
		}
	}
	return false
}

// unscopedMatch returns the first MATCH scope that references tenant_id
// neither in its pattern nor in its trailing WHERE/WITH segment.
func unscopedMatch(cypher string) (string, bool) {
	for _, loc := range matchKeywordRe.FindAllStringIndex(cypher, -1) {
		rest := cypher[loc[1]:]
		end := len(rest)
		if term := scopeTerminatorRe.FindStringIndex(rest); term != nil {
			end = term[0]
		}
		scope := rest[:end]
		if !strings.Contains(scope, "tenant_id") {
			return scope, true
		}
	}
	return "", false
}

// BuildACLPredicate returns the canonical ACL predicate fragment for a
// node alias. Values arrive via parameter binding only.
func BuildACLPredicate(alias string) string {
	return "($is_admin OR " + alias + ".team_owner = $acl_team OR any(ns IN " + alias + ".namespace_acl WHERE ns IN $acl_namespaces))"
}
