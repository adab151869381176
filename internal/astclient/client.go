// Package astclient talks to the remote AST worker fleet over gRPC. The
// wire format is JSON-framed so workers in other languages join the
// fleet without sharing generated stubs.
package astclient

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"graphmesh-backend/internal/resilience"
	"graphmesh-backend/pkg/errors"
)

const extractMethod = "/astworker.v1.ASTWorker/Extract"

// SourceFile is one workspace file shipped to the fleet.
type SourceFile struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

// ExtractRequest asks the fleet to extract topology entities.
type ExtractRequest struct {
	TenantID    string       `json:"tenant_id"`
	IngestionID string       `json:"ingestion_id"`
	Files       []SourceFile `json:"files"`
}

// ExtractedEntity is one entity the fleet found. Properties follow the
// ontology property names for the given type.
type ExtractedEntity struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Confidence float64        `json:"confidence"`
	Provenance string         `json:"provenance"`
}

// ExtractResponse carries the extracted entities plus per-file errors
// the fleet recovered from.
type ExtractResponse struct {
	Entities []ExtractedEntity `json:"entities"`
	Errors   []string          `json:"errors"`
}

// Extractor is the surface the ingestion pipeline depends on.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)
}

// invoker is the slice of grpc.ClientConn the client uses; a fake
// stands in during tests.
type invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// Client is the breaker-guarded gRPC extractor.
type Client struct {
	conn       invoker
	closer     io.Closer
	breaker    *resilience.GlobalProviderBreaker
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
}

// Dial connects to the fleet endpoint. Transport security is handled by
// the mesh; the channel itself is plaintext.
func Dial(endpoint string, breaker *resilience.GlobalProviderBreaker, timeout time.Duration, maxRetries int, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ast fleet dial failed")
	}
	c := newClient(conn, breaker, timeout, maxRetries, logger)
	c.closer = conn
	return c, nil
}

func newClient(conn invoker, breaker *resilience.GlobalProviderBreaker, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:       conn,
		breaker:    breaker,
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Close tears down the underlying channel. Clients built over a fake
// invoker have nothing to close.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Extract runs one extraction round trip with retries. Every attempt
// passes through the breaker hierarchy: network-class failures feed the
// global breaker, everything else stays per-tenant.
func (c *Client) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp := &ExtractResponse{}
		err := c.breaker.Execute(ctx, req.TenantID, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.conn.Invoke(callCtx, extractMethod, &req, resp, grpc.ForceCodec(jsonCodec{}))
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.IsCircuitOpen(err) || !retryable(err) {
			break
		}
		c.logger.Warn("AST extract attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// retryable classifies transient fleet errors worth another attempt.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return resilience.IsGlobalFailure(err)
}
