package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/course-rag/database"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// PostgresOpener connects to dsn and makes sure the chunk table exists.
func PostgresOpener(dsn string, dimension int) Opener {
	return func(ctx context.Context) (VectorStore, error) {
		pool, err := database.NewPostgresPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureRAGSchema(ctx, pool, dimension); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return NewPostgresStore(pool), nil
	}
}

func (s *PostgresStore) AddDocuments(ctx context.Context, docs []Document) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %q has no embedding", doc.ID)
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			id = uuid.New()
		}
		metadata := doc.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO rag_chunks (id, content, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, id, doc.Content, metadata, pgvector.NewVector(doc.Embedding))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := range docs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return nil
}

func (s *PostgresStore) SimilaritySearchWithScore(ctx context.Context, vector []float32, k int) ([]ScoredDocument, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if k <= 0 {
		return nil, nil
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := k * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM rag_chunks
		ORDER BY embedding <=> $1::vector
		LIMIT $2
	`, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]ScoredDocument, 0, k)
	for rows.Next() {
		var (
			id         uuid.UUID
			item       ScoredDocument
			similarity float64
		)
		if err := rows.Scan(&id, &item.Content, &item.Metadata, &similarity); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		item.ID = id.String()
		score := clampScore(similarity)
		item.Score = &score
		results = append(results, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar chunks: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) SimilaritySearchByText(ctx context.Context, query string, k int) ([]Document, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content, metadata
		FROM rag_chunks
		WHERE content_tsv @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(content_tsv, plainto_tsquery('simple', $1)) DESC
		LIMIT $2
	`, query, k)
	if err != nil {
		return nil, fmt.Errorf("query text matches: %w", err)
	}
	defer rows.Close()

	results := make([]Document, 0, k)
	for rows.Next() {
		var (
			id  uuid.UUID
			doc Document
		)
		if err := rows.Scan(&id, &doc.Content, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("scan text match: %w", err)
		}
		doc.ID = id.String()
		results = append(results, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate text matches: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

var (
	_ VectorStore   = (*PostgresStore)(nil)
	_ ScoreSearcher = (*PostgresStore)(nil)
	_ TextSearcher  = (*PostgresStore)(nil)
)
