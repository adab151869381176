package ingestion

import (
	"context"
	"go/parser"
	"go/token"
	"strings"

	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/ontology"
)

// frameworkImports maps well-known import prefixes to the framework
// recorded on the Service node. First match wins.
var frameworkImports = []struct {
	prefix    string
	framework string
}{
	{"github.com/gin-gonic/gin", "gin"},
	{"github.com/go-chi/chi", "chi"},
	{"github.com/labstack/echo", "echo"},
	{"google.golang.org/grpc", "grpc"},
	{"net/http", "net/http"},
}

// ExtractGoFile is the in-process extractor behind the local AST pool.
// It parses the import table of a Go source file and emits a Service
// entity keyed by the file's top-level workspace directory. Non-Go
// files yield nothing; the manifest stage handles YAML.
func ExtractGoFile(ctx context.Context, f astclient.SourceFile) ([]astclient.ExtractedEntity, error) {
	if f.Language != "go" {
		return nil, nil
	}
	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, f.Path, f.Content, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}

	id := serviceIDFor(f.Path, parsed.Name.Name)
	framework := ""
	otel := false
	for _, imp := range parsed.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if framework == "" {
			for _, fw := range frameworkImports {
				if strings.HasPrefix(path, fw.prefix) {
					framework = fw.framework
					break
				}
			}
		}
		if strings.HasPrefix(path, "go.opentelemetry.io/otel") {
			otel = true
		}
	}

	return []astclient.ExtractedEntity{{
		Type: ontology.TypeService,
		Properties: map[string]any{
			"id":           id,
			"name":         id,
			"language":     "go",
			"framework":    framework,
			"otel_enabled": otel,
		},
		Confidence: 1.0,
		Provenance: string(ontology.ProvenanceAST),
	}}, nil
}

// serviceIDFor derives the service identity from the workspace layout:
// the top-level directory when there is one, else the package name.
func serviceIDFor(path, pkg string) string {
	path = strings.TrimPrefix(path, "./")
	if i := strings.Index(path, "/"); i > 0 {
		return path[:i]
	}
	if pkg != "" && pkg != "main" {
		return pkg
	}
	return strings.TrimSuffix(path, ".go")
}
