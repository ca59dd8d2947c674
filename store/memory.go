package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process and ranks them by cosine similarity.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) AddDocuments(_ context.Context, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %q has no embedding", doc.ID)
		}
	}
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		m.docs = append(m.docs, doc)
	}
	return nil
}

func (m *MemoryStore) SimilaritySearchWithScore(_ context.Context, vector []float32, k int) ([]ScoredDocument, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	scored := make([]ScoredDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		score := clampScore(cosine(vector, doc.Embedding))
		scored = append(scored, ScoredDocument{Document: doc, Score: &score})
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Score > *scored[j].Score
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var (
	_ VectorStore   = (*MemoryStore)(nil)
	_ ScoreSearcher = (*MemoryStore)(nil)
)
