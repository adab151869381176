package ingestion

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
	"graphmesh-backend/pkg/errors"
)

// excludedDirs are directory names never descended into.
var excludedDirs = map[string]bool{
	".git":          true,
	"vendor":        true,
	"node_modules":  true,
	"testdata":      true,
	"__pycache__":   true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".tox":          true,
	".eggs":         true,
	"dist":          true,
	"build":         true,
	".venv":         true,
	"venv":          true,
}

// allowedExts are the file types the extractors understand.
var allowedExts = map[string]bool{
	".go":   true,
	".py":   true,
	".yaml": true,
	".yml":  true,
}

var sourceExts = map[string]bool{".go": true, ".py": true}
var manifestExts = map[string]bool{".yaml": true, ".yml": true}

// LoadWorkspace fills State.RawFiles from a directory tree. Files over
// the per-file cap are skipped and recorded; once the workspace byte cap
// is reached the remaining files are skipped too. Results are sorted by
// slash-separated relative path so every replica sees the same order.
// An empty directory path preserves pre-populated RawFiles verbatim.
func LoadWorkspace(st *State, dir string, ws config.Workspace, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil
	}

	type candidate struct {
		rel  string
		abs  string
		size int64
	}
	var candidates []candidate

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !allowedExts[ext(d.Name())] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		candidates = append(candidates, candidate{
			rel:  filepath.ToSlash(rel),
			abs:  path,
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "workspace walk failed")
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rel < candidates[j].rel })

	var total int64
	for _, c := range candidates {
		if ws.MaxFileBytes > 0 && c.size > ws.MaxFileBytes {
			st.SkippedFiles = append(st.SkippedFiles, c.rel)
			continue
		}
		if ws.MaxBytes > 0 && total+c.size > ws.MaxBytes {
			st.SkippedFiles = append(st.SkippedFiles, c.rel)
			continue
		}
		content, err := os.ReadFile(c.abs)
		if err != nil {
			return errors.Wrap(err, "workspace read failed for "+c.rel)
		}
		total += c.size
		st.RawFiles = append(st.RawFiles, RawFile{Path: c.rel, Content: content})
		if _, seen := st.Checkpoint[c.rel]; !seen {
			st.Checkpoint[c.rel] = FilePending
		}
	}

	logger.Info("Workspace loaded",
		zap.String("ingestion_id", st.IngestionID),
		zap.Int("files", len(st.RawFiles)),
		zap.Int("skipped", len(st.SkippedFiles)),
		zap.Int64("bytes", total),
	)
	return nil
}
