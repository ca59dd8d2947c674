// Package store defines the vector store capability used by ingestion and
// retrieval, together with its Postgres and in-memory implementations.
package store

import (
	"context"
	"errors"
)

// ErrUnavailable reports that no usable vector store could be reached.
var ErrUnavailable = errors.New("vector store unavailable")

type Document struct {
	ID        string
	Content   string
	Metadata  map[string]any
	Embedding []float32
}

// ScoredDocument pairs a document with its similarity. A nil Score means the
// backend returned no score for it.
type ScoredDocument struct {
	Document
	Score *float64
}

// VectorStore is append-only: there is no update or delete path.
type VectorStore interface {
	AddDocuments(ctx context.Context, docs []Document) error
	HealthCheck(ctx context.Context) error
}

type ScoreSearcher interface {
	SimilaritySearchWithScore(ctx context.Context, vector []float32, k int) ([]ScoredDocument, error)
}

type TextSearcher interface {
	SimilaritySearchByText(ctx context.Context, query string, k int) ([]Document, error)
}

// Handle hands out the shared store.
type Handle interface {
	Get(ctx context.Context) (VectorStore, error)
}

func clampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
