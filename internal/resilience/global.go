package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// GlobalProviderBreaker wraps the per-tenant registry with a single
// breaker that trips only on network-class failures. Provider rate limits
// are a per-tenant problem; a refused connection is everyone's problem.
type GlobalProviderBreaker struct {
	global  *Breaker
	tenants *TenantRegistry
}

// NewGlobalProviderBreaker builds the hierarchy. globalSettings applies to
// the network breaker, tenantSettings to each per-tenant breaker.
func NewGlobalProviderBreaker(globalSettings, tenantSettings Settings, maxTenants int, logger *zap.Logger) *GlobalProviderBreaker {
	if globalSettings.Name == "" {
		globalSettings.Name = "global-provider"
	}
	return &GlobalProviderBreaker{
		global:  NewBreaker(globalSettings, logger),
		tenants: NewTenantRegistry(tenantSettings, maxTenants, logger),
	}
}

// Execute runs fn for a tenant under both breakers. An open global breaker
// short-circuits every tenant; when half-open, only the configured number
// of concurrent probes pass through.
func (g *GlobalProviderBreaker) Execute(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	if err := g.global.Allow(); err != nil {
		return err
	}
	tenant := g.tenants.Get(tenantID)
	if err := tenant.Allow(); err != nil {
		// An admission refusal by the tenant is not a provider outcome;
		// return the global probe slot without recording one.
		g.global.cancelProbe()
		return err
	}

	err := fn(ctx)

	if err == nil {
		tenant.RecordSuccess()
		g.global.RecordSuccess()
		return nil
	}
	tenant.RecordFailure(err)
	if IsGlobalFailure(err) {
		g.global.RecordFailure(err)
	} else {
		g.global.RecordSuccess()
	}
	return err
}

// GlobalState exposes the network breaker state.
func (g *GlobalProviderBreaker) GlobalState() State { return g.global.State() }

// TenantState exposes a tenant breaker state.
func (g *GlobalProviderBreaker) TenantState(tenantID string) State {
	return g.tenants.Get(tenantID).State()
}

// IsGlobalFailure classifies network-class errors: connection failures,
// OS-level socket errors, and timeouts. Rate limiting (HTTP 429,
// RESOURCE_EXHAUSTED, quota messages) is explicitly per-tenant.
func IsGlobalFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota exceeded") ||
		strings.Contains(msg, "rate limit") {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout")
}
