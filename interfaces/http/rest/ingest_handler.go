package rest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"graphmesh-backend/internal/ingestion"
	apperrors "graphmesh-backend/pkg/errors"
)

// IngestRunner is the pipeline surface the handler drives.
type IngestRunner interface {
	Run(ctx context.Context, st *ingestion.State, workspaceDir string) error
}

// IngestHandler accepts ingestion requests: inline base64 documents, or
// a staged workspace directory under the configured staging root.
type IngestHandler struct {
	runner      IngestRunner
	stagingRoot string
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewIngestHandler creates the handler. stagingRoot bounds workspace_dir
// requests; empty disables staged-directory ingestion.
func NewIngestHandler(runner IngestRunner, stagingRoot string, logger *zap.Logger) *IngestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{
		runner:      runner,
		stagingRoot: stagingRoot,
		validate:    validator.New(),
		logger:      logger,
	}
}

type ingestDocument struct {
	Path          string `json:"path" validate:"required"`
	ContentBase64 string `json:"content_base64" validate:"required"`
}

type ingestRequest struct {
	TenantID     string           `json:"tenant_id" validate:"required"`
	Namespace    string           `json:"namespace"`
	Documents    []ingestDocument `json:"documents" validate:"dive"`
	WorkspaceDir string           `json:"workspace_dir"`
}

type ingestResponse struct {
	IngestionID  string   `json:"ingestion_id"`
	Status       string   `json:"status"`
	Nodes        int      `json:"nodes"`
	SkippedFiles []string `json:"skipped_files,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

// ServeHTTP handles POST /ingest.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Documents) == 0 && req.WorkspaceDir == "" {
		respondError(w, http.StatusBadRequest, "request carries neither documents nor a workspace_dir")
		return
	}

	workspaceDir := ""
	if req.WorkspaceDir != "" {
		resolved, err := h.resolveStagedDir(req.WorkspaceDir)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		workspaceDir = resolved
	}

	st := ingestion.NewState(req.TenantID, req.Namespace)
	for _, doc := range req.Documents {
		if strings.Contains(doc.Path, "..") {
			respondError(w, http.StatusBadRequest, "document path escapes the workspace: "+doc.Path)
			return
		}
		content, err := base64.StdEncoding.DecodeString(doc.ContentBase64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "document is not valid base64: "+doc.Path)
			return
		}
		st.RawFiles = append(st.RawFiles, ingestion.RawFile{Path: doc.Path, Content: content})
		st.Checkpoint[doc.Path] = ingestion.FilePending
	}

	if err := h.runner.Run(r.Context(), st, workspaceDir); err != nil {
		h.respondRunError(w, st, err)
		return
	}

	respondJSON(w, http.StatusOK, ingestResponse{
		IngestionID:  st.IngestionID,
		Status:       st.CommitStatus,
		Nodes:        len(st.ExtractedNodes),
		SkippedFiles: st.SkippedFiles,
		Errors:       st.ExtractionErrors,
	})
}

func (h *IngestHandler) respondRunError(w http.ResponseWriter, st *ingestion.State, err error) {
	switch {
	case apperrors.IsIngestionDegraded(err):
		retry := apperrors.RetryAfter(err)
		if retry <= 0 {
			retry = 30 * time.Second
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case apperrors.IsIngestRejection(err):
		respondError(w, http.StatusConflict, err.Error())
	case apperrors.IsTenantScopeViolation(err) || apperrors.IsSecurityViolation(err):
		respondError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("Ingestion run failed",
			zap.String("tenant_id", st.TenantID),
			zap.String("ingestion_id", st.IngestionID),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "30")
		respondError(w, http.StatusServiceUnavailable, "ingestion failed")
	}
}

// resolveStagedDir resolves the requested directory and verifies it
// stays under the staging root after symlink resolution.
func (h *IngestHandler) resolveStagedDir(dir string) (string, error) {
	if h.stagingRoot == "" {
		return "", apperrors.NewValidation("staged-directory ingestion is not enabled")
	}
	root, err := filepath.EvalSymlinks(h.stagingRoot)
	if err != nil {
		return "", apperrors.NewValidation("staging root is not available")
	}
	candidate := dir
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", apperrors.NewValidation("workspace directory does not exist")
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", apperrors.NewValidation("workspace directory escapes the staging root")
	}
	return resolved, nil
}
