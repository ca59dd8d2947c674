package chat

import (
	"context"
	"fmt"
	"math"

	"github.com/fabfab/course-rag/store"
)

// Retriever ranks stored chunks against a query.
type Retriever struct {
	stores store.Handle
}

func NewRetriever(stores store.Handle) *Retriever {
	return &Retriever{stores: stores}
}

// Retrieve returns up to k results ordered by descending similarity. Stores
// without scored vector search fall back to text search, whose results carry
// no score.
func (r *Retriever) Retrieve(ctx context.Context, query string, vector []float32, k int) ([]Result, error) {
	if r.stores == nil {
		return nil, fmt.Errorf("%w: no store configured", store.ErrUnavailable)
	}
	vs, err := r.stores.Get(ctx)
	if err != nil {
		return nil, err
	}

	if searcher, ok := vs.(store.ScoreSearcher); ok {
		docs, err := searcher.SimilaritySearchWithScore(ctx, vector, k)
		if err != nil {
			return nil, fmt.Errorf("%w: similarity search: %w", store.ErrUnavailable, err)
		}
		results := make([]Result, len(docs))
		for i, doc := range docs {
			results[i] = Result{Content: doc.Content, Metadata: doc.Metadata, Score: roundScore(doc.Score)}
		}
		return results, nil
	}

	if searcher, ok := vs.(store.TextSearcher); ok {
		docs, err := searcher.SimilaritySearchByText(ctx, query, k)
		if err != nil {
			return nil, fmt.Errorf("%w: text search: %w", store.ErrUnavailable, err)
		}
		results := make([]Result, len(docs))
		for i, doc := range docs {
			results[i] = Result{Content: doc.Content, Metadata: doc.Metadata}
		}
		return results, nil
	}

	return nil, fmt.Errorf("%w: store supports neither vector nor text search", store.ErrUnavailable)
}

// roundScore clamps a score to [0,1] and rounds it to 4 decimal places.
func roundScore(score *float64) *float64 {
	if score == nil {
		return nil
	}
	v := math.Min(math.Max(*score, 0), 1)
	v = roundTo(v, 4)
	return &v
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// AverageScore is the mean over all results, counting a missing score as 0.
func AverageScore(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.scoreOrZero()
	}
	return sum / float64(len(results))
}
