package ingestion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphmesh-backend/internal/config"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadWorkspaceDeterministicOrderAndExclusions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "svc/main.go", "package main")
	writeFile(t, dir, "deploy/app.yaml", "kind: Deployment")
	writeFile(t, dir, "vendor/dep.go", "package dep")
	writeFile(t, dir, "venv/lib/site.py", "import site")
	writeFile(t, dir, ".tox/py311/t.py", "import tox")
	writeFile(t, dir, ".mypy_cache/3.11/m.py", "x = 1")
	writeFile(t, dir, ".pytest_cache/c.py", "x = 1")
	writeFile(t, dir, ".eggs/pkg/e.py", "x = 1")
	writeFile(t, dir, "README.md", "readme")
	writeFile(t, dir, "a.py", "import os")

	st := NewState("tenant-a", "prod")
	require.NoError(t, LoadWorkspace(st, dir, config.Workspace{}, zap.NewNop()))

	paths := make([]string, len(st.RawFiles))
	for i, f := range st.RawFiles {
		paths[i] = f.Path
	}
	// Sorted by slash path; vendor, virtualenvs, tool caches, and
	// non-source files excluded.
	assert.Equal(t, []string{"a.py", "deploy/app.yaml", "svc/main.go"}, paths)
	assert.Equal(t, FilePending, st.Checkpoint["svc/main.go"])
}

func TestLoadWorkspaceSizeCaps(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.go", string(make([]byte, 100)))
	writeFile(t, dir, "small.go", "ok")

	st := NewState("tenant-a", "prod")
	ws := config.Workspace{MaxFileBytes: 50, MaxBytes: 1000}
	require.NoError(t, LoadWorkspace(st, dir, ws, zap.NewNop()))

	require.Len(t, st.RawFiles, 1)
	assert.Equal(t, "small.go", st.RawFiles[0].Path)
	assert.Equal(t, []string{"big.go"}, st.SkippedFiles)
}

func TestLoadWorkspaceWorkspaceCap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", string(make([]byte, 60)))
	writeFile(t, dir, "b.go", string(make([]byte, 60)))

	st := NewState("tenant-a", "prod")
	require.NoError(t, LoadWorkspace(st, dir, config.Workspace{MaxBytes: 100}, zap.NewNop()))

	require.Len(t, st.RawFiles, 1)
	assert.Equal(t, "a.go", st.RawFiles[0].Path)
	assert.Equal(t, []string{"b.go"}, st.SkippedFiles)
}

func TestLoadWorkspaceEmptyDirPreservesRawFiles(t *testing.T) {
	st := NewState("tenant-a", "prod")
	st.RawFiles = []RawFile{{Path: "preloaded.go", Content: []byte("package x")}}

	require.NoError(t, LoadWorkspace(st, "", config.Workspace{}, zap.NewNop()))
	require.Len(t, st.RawFiles, 1)
	assert.Equal(t, "preloaded.go", st.RawFiles[0].Path)
}
