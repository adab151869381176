// Package ingestion drives the staged pipeline that turns a workspace
// into committed graph topology: load, AST extraction, manifest parsing,
// schema validation with a bounded fix loop, locked commit, and
// post-commit side effects.
package ingestion

import (
	"github.com/google/uuid"

	"graphmesh-backend/internal/ontology"
)

// FileStatus tracks per-file progress through the checkpoint so fix
// cycles never reparse manifests.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileExtracted FileStatus = "extracted"
)

// Commit outcomes.
const (
	CommitPending   = "pending"
	CommitCommitted = "committed"
	CommitFailed    = "failed"
)

// MaxValidationRetries bounds the fix-errors self-loop.
const MaxValidationRetries = 3

// RawFile is one loaded workspace file.
type RawFile struct {
	Path    string
	Content []byte
}

// State is the pipeline's accumulator. Stages mutate it in order; the
// commit stage is the only graph writer.
type State struct {
	TenantID    string
	Namespace   string
	IngestionID string

	RawFiles     []RawFile
	SkippedFiles []string

	ExtractedNodes   []ontology.Entity
	ExtractionErrors []string

	ValidationRetries int
	CommitStatus      string

	// Checkpoint maps file path to extraction status. YAML files marked
	// extracted are not reparsed by fix cycles; source files stay
	// eligible because the LLM extractor is stateful per run.
	Checkpoint map[string]FileStatus

	AffectedIDs []string
	PrunedIDs   []string
}

// NewState creates a run with a fresh ingestion id.
func NewState(tenantID, namespace string) *State {
	return &State{
		TenantID:     tenantID,
		Namespace:    namespace,
		IngestionID:  uuid.NewString(),
		CommitStatus: CommitPending,
		Checkpoint:   make(map[string]FileStatus),
	}
}

// pendingFiles returns the raw files not yet marked extracted, filtered
// by extension membership.
func (s *State) pendingFiles(exts map[string]bool) []RawFile {
	var out []RawFile
	for _, f := range s.RawFiles {
		if s.Checkpoint[f.Path] == FileExtracted {
			continue
		}
		if exts[ext(f.Path)] {
			out = append(out, f)
		}
	}
	return out
}

func ext(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/':
			return ""
		}
	}
	return ""
}
