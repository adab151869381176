package ingestion

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"graphmesh-backend/internal/astclient"
	"graphmesh-backend/internal/config"
)

// FileExtractor extracts entities from a single source file. The local
// pool runs one per file; implementations must be safe for concurrent
// use.
type FileExtractor func(ctx context.Context, file astclient.SourceFile) ([]astclient.ExtractedEntity, error)

// LocalPool is the in-process alternative to the remote fleet: a
// bounded worker pool fanning a FileExtractor over the workspace. It
// satisfies the same Extractor surface as the gRPC client.
type LocalPool struct {
	workers int
	extract FileExtractor
}

// NewLocalPool creates a pool. The worker count is clamped to the
// configured ceiling.
func NewLocalPool(workers int, extract FileExtractor) *LocalPool {
	if workers < 1 {
		workers = 1
	}
	if workers > config.MaxASTPoolWorkers {
		workers = config.MaxASTPoolWorkers
	}
	return &LocalPool{workers: workers, extract: extract}
}

// Extract fans the request's files across the pool. Per-file extraction
// errors are collected into the response rather than failing the batch.
func (p *LocalPool) Extract(ctx context.Context, req astclient.ExtractRequest) (*astclient.ExtractResponse, error) {
	resp := &astclient.ExtractResponse{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, f := range req.Files {
		f := f
		g.Go(func() error {
			entities, err := p.extract(ctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				resp.Errors = append(resp.Errors, f.Path+": "+err.Error())
				return nil
			}
			resp.Entities = append(resp.Entities, entities...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return resp, nil
}
