package ingestion

import (
	"time"
)

// Origin records how a chunk entered the corpus.
type Origin string

const (
	OriginFileUpload   Origin = "file_upload"
	OriginDirectIngest Origin = "direct_ingest"
	OriginWebCrawl     Origin = "web_crawl"
)

// Metadata keys stored with every chunk.
const (
	MetaFilename    = "filename"
	MetaMimeType    = "mimeType"
	MetaSize        = "size"
	MetaChunkIndex  = "chunkIndex"
	MetaTotalChunks = "totalChunks"
	MetaUploadedAt  = "uploadedAt"
	MetaSource      = "source"
	MetaDocumentID  = "documentId"
)

// Chunk is one retrievable unit of a document. It is not modified after
// creation.
type Chunk struct {
	ID             string
	DocumentID     string
	Content        string
	Index          int
	TotalChunks    int
	SourceFilename string
	MimeType       string
	SizeBytes      int64
	CreatedAt      time.Time
	Origin         Origin
	Extra          map[string]any
}

// Metadata flattens the chunk into the mapping stored next to its vector.
// Caller supplied keys are kept unless they collide with the fixed ones.
func (c Chunk) Metadata() map[string]any {
	meta := make(map[string]any, len(c.Extra)+8)
	for k, v := range c.Extra {
		meta[k] = v
	}
	if c.SourceFilename != "" {
		meta[MetaFilename] = c.SourceFilename
	}
	if c.MimeType != "" {
		meta[MetaMimeType] = c.MimeType
	}
	if c.SizeBytes > 0 {
		meta[MetaSize] = c.SizeBytes
	}
	meta[MetaChunkIndex] = c.Index
	meta[MetaTotalChunks] = c.TotalChunks
	meta[MetaUploadedAt] = c.CreatedAt.UTC().Format(time.RFC3339Nano)
	meta[MetaSource] = string(c.Origin)
	meta[MetaDocumentID] = c.DocumentID
	return meta
}

type chunkTemplate struct {
	documentID string
	filename   string
	mimeType   string
	size       int64
	origin     Origin
	createdAt  time.Time
	extra      map[string]any
}

func buildChunks(pieces []string, tmpl chunkTemplate, newID func() string) []Chunk {
	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{
			ID:             newID(),
			DocumentID:     tmpl.documentID,
			Content:        piece,
			Index:          i,
			TotalChunks:    len(pieces),
			SourceFilename: tmpl.filename,
			MimeType:       tmpl.mimeType,
			SizeBytes:      tmpl.size,
			CreatedAt:      tmpl.createdAt,
			Origin:         tmpl.origin,
			Extra:          tmpl.extra,
		}
	}
	return chunks
}
