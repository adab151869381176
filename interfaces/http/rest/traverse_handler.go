package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
	"graphmesh-backend/internal/contextmgr"
	"graphmesh-backend/internal/graph"
	"graphmesh-backend/internal/tenant"
	"graphmesh-backend/internal/tokens"
	"graphmesh-backend/internal/traversal"
	apperrors "graphmesh-backend/pkg/errors"
	"graphmesh-backend/pkg/observability"
)

// GraphRouter resolves a tenant to its querier and route.
type GraphRouter interface {
	QuerierFor(tenantID string) (graph.Querier, tenant.Route, error)
}

// TraverseHandler runs a traversal and assembles the fenced context
// block for prompt construction.
type TraverseHandler struct {
	graphs   GraphRouter
	contexts *contextmgr.Manager
	defaults config.Traversal
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewTraverseHandler creates the handler.
func NewTraverseHandler(graphs GraphRouter, contexts *contextmgr.Manager, defaults config.Traversal, logger *zap.Logger, metrics *observability.Metrics) *TraverseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraverseHandler{
		graphs:   graphs,
		contexts: contexts,
		defaults: defaults,
		validate: validator.New(),
		logger:   logger,
		metrics:  metrics,
	}
}

type traverseRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	StartID  string `json:"start_id" validate:"required"`

	Strategy   string `json:"strategy"`
	MaxHops    int    `json:"max_hops"`
	MaxNodes   int    `json:"max_nodes"`
	DegreeHint *int64 `json:"degree_hint"`

	IsAdmin    bool     `json:"is_admin"`
	Team       string   `json:"team"`
	Namespaces []string `json:"namespaces"`

	MaxContextTokens int `json:"max_context_tokens"`
}

type traverseResponse struct {
	Records      []traversal.Record `json:"records"`
	Edges        []traversal.Edge   `json:"edges,omitempty"`
	Hops         int                `json:"hops"`
	Partial      bool               `json:"partial"`
	ContextBlock string             `json:"context_block"`
}

// ServeHTTP handles POST /traverse.
func (h *TraverseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req traverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	querier, route, err := h.graphs.QuerierFor(req.TenantID)
	if err != nil {
		respondError(w, http.StatusForbidden, err.Error())
		return
	}

	cfg := traversal.Config{
		Strategy:  h.defaults.Strategy,
		BeamWidth: h.defaults.BeamWidth,
		MaxHops:   req.MaxHops,
		MaxNodes:  req.MaxNodes,
		SkipACL:   route.SkipACL,
	}
	if req.Strategy != "" {
		cfg.Strategy = config.TraversalStrategy(req.Strategy)
	}
	acl := graph.ACLParams{IsAdmin: req.IsAdmin, Team: req.Team, Namespaces: req.Namespaces}

	engine := traversal.NewEngine(querier, h.logger, h.metrics)
	res, err := engine.RunTraversal(r.Context(), req.StartID, req.TenantID, acl, cfg, req.DegreeHint)
	if err != nil {
		h.respondTraverseError(w, err)
		return
	}

	budget := tokens.DefaultBudget()
	if req.MaxContextTokens > 0 {
		budget.MaxContextTokens = req.MaxContextTokens
	}
	block, err := h.buildContext(res, budget)
	if err != nil {
		if apperrors.IsContextBudgetExceeded(err) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("Context assembly failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "context assembly failed")
		return
	}

	respondJSON(w, http.StatusOK, traverseResponse{
		Records:      res.Records,
		Edges:        res.Edges,
		Hops:         res.Hops,
		Partial:      res.Partial,
		ContextBlock: block,
	})
}

func (h *TraverseHandler) buildContext(res *traversal.Result, budget tokens.Budget) (string, error) {
	if h.contexts == nil || len(res.Records) == 0 {
		return "", nil
	}
	candidates := make([]contextmgr.Record, 0, len(res.Records))
	for _, rec := range res.Records {
		candidates = append(candidates, contextmgr.Record{
			Source:  rec.Source,
			Target:  rec.ID,
			Content: rec.Properties,
			Score:   rec.Score,
		})
	}
	selected := h.contexts.SelectForBudget(candidates, budget)
	return h.contexts.FormatContextForPrompt(selected, budget)
}

func (h *TraverseHandler) respondTraverseError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsTenantScopeViolation(err) || apperrors.IsSecurityViolation(err):
		respondError(w, http.StatusForbidden, err.Error())
	case apperrors.IsValidation(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Traversal failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "traversal failed")
	}
}
