package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores embeddings by key. Lookups that fail count as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
}

type MemoryCache struct {
	items *cache.Cache
}

func NewMemoryCache(ttl, cleanup time.Duration) *MemoryCache {
	return &MemoryCache{items: cache.New(ttl, cleanup)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	value, ok := c.items.Get(key)
	if !ok {
		return nil, false
	}
	vec, ok := value.([]float32)
	return vec, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, vector []float32) {
	c.items.SetDefault(key, vector)
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(url string, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl, logger: logger}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis embedding lookup failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("decode cached embedding", zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vector []float32) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis embedding store failed", zap.Error(err))
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedEmbedder serves repeated texts from a Cache and forwards the misses
// to the wrapped Embedder in a single call.
type CachedEmbedder struct {
	next  Embedder
	cache Cache
	model string
}

func NewCachedEmbedder(next Embedder, cache Cache, model string) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model}
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(ctx, c.key(text)); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbeddingFailed, len(vectors), len(missTexts))
	}

	for j, idx := range missIdx {
		results[idx] = vectors[j]
		c.cache.Set(ctx, c.key(missTexts[j]), vectors[j])
	}
	return results, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "embedding:" + hex.EncodeToString(sum[:])
}

var (
	_ Embedder = (*CachedEmbedder)(nil)
	_ Cache    = (*MemoryCache)(nil)
	_ Cache    = (*RedisCache)(nil)
)
