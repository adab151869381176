package security

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// The scanner walks Go source at build time, extracts string constants
// that look like graph queries, and verifies each one is tenant-scoped.
// cmd/cypherlint wires it into CI.

const minQueryLength = 24

var (
	queryShapeRe = regexp.MustCompile(`(?i)\b(MATCH|MERGE|UNWIND|CREATE|DETACH DELETE|OPTIONAL MATCH)\b`)

	// internalLabels mark bookkeeping queries that are intentionally
	// tenant-free: the outbox and the schema pointer live outside any
	// tenant's data plane.
	internalLabels = []string{":OutboxEvent", ":SchemaPointer"}

	// adminSweepPatterns are approved maintenance statements that operate
	// across tenants by design.
	adminSweepPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^MATCH \(\w*:?\w*\)\s+WHERE \w+\.tombstoned_at < \$\w+\s+DETACH DELETE`),
		regexp.MustCompile(`(?i)^MATCH \(\w+:OutboxEvent\)`),
	}

	fragmentSuffixes = []string{":", "(", "[", ","}
)

// Finding is one unscoped query constant located by the scanner.
type Finding struct {
	File  string
	Line  int
	Query string
}

func (f Finding) String() string {
	q := f.Query
	if len(q) > 80 {
		q = q[:80] + "..."
	}
	return fmt.Sprintf("%s:%d: unscoped graph query: %q", f.File, f.Line, q)
}

// ScanDir walks a source tree and returns every graph-query string
// constant that is not tenant-scoped and not exempt.
func ScanDir(root string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		fs, err := ScanFile(path)
		if err != nil {
			return err
		}
		findings = append(findings, fs...)
		return nil
	})
	return findings, err
}

// ScanFile scans a single Go file.
func ScanFile(path string) ([]Finding, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	var findings []Finding
	ast.Inspect(file, func(n ast.Node) bool {
		lit, ok := n.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		value, err := strconv.Unquote(lit.Value)
		if err != nil {
			return true
		}
		if !LooksLikeQuery(value) {
			return true
		}
		if QueryExempt(value) {
			return true
		}
		if strings.Contains(value, "$tenant_id") {
			return true
		}
		pos := fset.Position(lit.Pos())
		findings = append(findings, Finding{File: pos.Filename, Line: pos.Line, Query: value})
		return true
	})
	return findings, nil
}

// LooksLikeQuery reports whether a string constant resembles a graph query.
func LooksLikeQuery(s string) bool {
	return len(s) >= minQueryLength && queryShapeRe.MatchString(s)
}

// QueryExempt reports whether a query-shaped constant is exempt from
// tenant scoping.
func QueryExempt(s string) bool {
	trimmed := strings.TrimSpace(s)

	if IsDDL(trimmed) {
		return true
	}
	for _, label := range internalLabels {
		if strings.Contains(trimmed, label) {
			return true
		}
	}
	// Explicit escape hatch for statements assembled at runtime from
	// validated identifier parts.
	if strings.Contains(trimmed, "$INTERPOLATED") {
		return true
	}
	// Unfinished fragments are completed elsewhere; the assembled query
	// is what gets validated at runtime.
	for _, suffix := range fragmentSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	for _, p := range adminSweepPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}
