// Package knowledge mirrors ingested documents into a Neo4j graph of
// documents, their origin and their ordered chunks.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID       string
	Filename string
	Origin   string
	MimeType string
	Chunks   []Chunk
}

type Chunk struct {
	ID    string
	Index int
	Text  string
}

// Writer persists a document into the graph.
type Writer interface {
	SyncDocument(ctx context.Context, doc Document) error
}

type Neo4jWriter struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jWriter(driver neo4j.DriverWithContext) *Neo4jWriter {
	return &Neo4jWriter{driver: driver}
}

func (w *Neo4jWriter) SyncDocument(ctx context.Context, doc Document) error {
	return SyncDocument(ctx, w.driver, doc)
}

var _ Writer = (*Neo4jWriter)(nil)

func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (d:Document {id: $id})
			SET d.filename = $filename,
			    d.mime_type = $mime_type,
			    d.chunk_count = $chunk_count,
			    d.ingested_at = datetime()
			MERGE (o:Origin {name: $origin})
			MERGE (d)-[:FROM_ORIGIN]->(o)
		`, documentParams(doc)); err != nil {
			return nil, fmt.Errorf("upsert document node: %w", err)
		}

		for _, chunk := range doc.Chunks {
			if _, err := tx.Run(ctx, `
				MATCH (d:Document {id: $doc_id})
				MERGE (c:Chunk {id: $chunk_id})
				SET c.index = $chunk_index,
				    c.text = $chunk_text
				MERGE (d)-[:HAS_CHUNK {order: $chunk_index}]->(c)
			`, chunkParams(doc.ID, chunk)); err != nil {
				return nil, fmt.Errorf("upsert chunk node: %w", err)
			}
		}

		for i := 1; i < len(doc.Chunks); i++ {
			if _, err := tx.Run(ctx, `
				MATCH (prev:Chunk {id: $prev_id}), (next:Chunk {id: $next_id})
				MERGE (prev)-[:NEXT]->(next)
			`, map[string]any{
				"prev_id": doc.Chunks[i-1].ID,
				"next_id": doc.Chunks[i].ID,
			}); err != nil {
				return nil, fmt.Errorf("link chunk sequence: %w", err)
			}
		}

		return nil, nil
	})

	return err
}

func documentParams(doc Document) map[string]any {
	origin := doc.Origin
	if origin == "" {
		origin = "unknown"
	}
	return map[string]any{
		"id":          doc.ID,
		"filename":    doc.Filename,
		"mime_type":   doc.MimeType,
		"origin":      origin,
		"chunk_count": len(doc.Chunks),
	}
}

func chunkParams(docID string, chunk Chunk) map[string]any {
	return map[string]any{
		"doc_id":      docID,
		"chunk_id":    chunk.ID,
		"chunk_index": chunk.Index,
		"chunk_text":  chunk.Text,
	}
}
