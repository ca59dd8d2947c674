package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Opener connects to a vector store backend.
type Opener func(ctx context.Context) (VectorStore, error)

// Provider lazily opens a single VectorStore and shares it between callers.
// A failed open is not remembered, so the next Get retries.
type Provider struct {
	mu     sync.Mutex
	open   Opener
	store  VectorStore
	logger *zap.Logger
}

func NewProvider(open Opener, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{open: open, logger: logger}
}

// Static returns a Provider that always yields vs.
func Static(vs VectorStore) *Provider {
	return &Provider{store: vs, logger: zap.NewNop()}
}

func (p *Provider) Get(ctx context.Context) (VectorStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.store != nil {
		return p.store, nil
	}
	if p.open == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrUnavailable)
	}

	vs, err := p.open(ctx)
	if err != nil {
		p.logger.Error("open vector store", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if vs == nil {
		return nil, fmt.Errorf("%w: opener returned no store", ErrUnavailable)
	}

	p.logger.Info("vector store initialized")
	p.store = vs
	return vs, nil
}

// Close releases the store if it was opened and supports closing.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if closer, ok := p.store.(interface{ Close() }); ok {
		closer.Close()
	}
	p.store = nil
}

var _ Handle = (*Provider)(nil)
