package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/course-rag/config"
)

type countingEmbedder struct {
	calls [][]string
	err   error
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, append([]string(nil), texts...))
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text))}
	}
	return out, nil
}

func TestNewEmbedderSelectsProvider(t *testing.T) {
	cfg := config.Config{Embeddings: config.Embeddings{Provider: config.ProviderOllama, Model: "nomic-embed-text"}}
	e, err := NewEmbedder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &ollamaEmbedder{}, e)

	cfg.Embeddings.Provider = config.ProviderOpenAI
	_, err = NewEmbedder(cfg)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	cfg.OpenAIAPIKey = "sk-test"
	e, err = NewEmbedder(cfg)
	require.NoError(t, err)
	assert.IsType(t, &openAIEmbedder{}, e)

	cfg.Embeddings.Provider = "cohere"
	_, err = NewEmbedder(cfg)
	assert.ErrorContains(t, err, "unknown embedding provider")
}

func TestEmbedQueryWrapsFailures(t *testing.T) {
	_, err := EmbedQuery(context.Background(), &countingEmbedder{err: errors.New("rate limited")}, "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.ErrorContains(t, err, "rate limited")

	_, err = EmbedQuery(context.Background(), nil, "q")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	vec, err := EmbedQuery(context.Background(), &countingEmbedder{}, "four")
	require.NoError(t, err)
	assert.Equal(t, []float32{4}, vec)
}

func TestCachedEmbedderOnlyForwardsMisses(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, NewMemoryCache(time.Minute, time.Minute), "m")

	first, err := cached.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}}, first)

	second, err := cached.Embed(context.Background(), []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2}, {3}, {1}}, second)

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"ccc"}, inner.calls[1])
}

func TestCachedEmbedderKeysIncludeModel(t *testing.T) {
	a := NewCachedEmbedder(nil, nil, "model-a")
	b := NewCachedEmbedder(nil, nil, "model-b")
	assert.NotEqual(t, a.key("text"), b.key("text"))
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		var req ollamaRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL + "/", Model: "nomic-embed-text", Dimension: 3})
	vectors, err := e.Embed(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vectors[0], 1e-6)
}

func TestOllamaEmbedderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 3})
	_, err := e.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(Options{OpenAIAPIKey: "sk-test", OpenAIBaseURL: srv.URL, Model: "text-embedding-3-small", Dimension: 2})
	vectors, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}
