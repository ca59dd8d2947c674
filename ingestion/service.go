package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fabfab/course-rag/embeddings"
	"github.com/fabfab/course-rag/knowledge"
	"github.com/fabfab/course-rag/store"
)

const embedBatchSize = 64

var (
	ErrEmptyContent      = errors.New("content is empty")
	ErrFileTooLarge      = errors.New("file exceeds the upload size limit")
	ErrUnsupportedFormat = errors.New("unsupported document format")
)

var tracer = otel.Tracer("github.com/fabfab/course-rag/ingestion")

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	MaxFileBytes int64
}

type Service struct {
	stores   store.Handle
	embedder embeddings.Embedder
	graph    knowledge.Writer
	splitter *Splitter
	maxBytes int64
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewService wires ingestion. graph may be nil to skip the knowledge graph.
func NewService(stores store.Handle, embedder embeddings.Embedder, graph knowledge.Writer, cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	splitter, err := NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	return &Service{
		stores:   stores,
		embedder: embedder,
		graph:    graph,
		splitter: splitter,
		maxBytes: cfg.MaxFileBytes,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Upload describes a file saved to temporary storage by the transport.
type Upload struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
}

type FileResult struct {
	Filename           string
	MimeType           string
	Size               int64
	Chunks             int
	WasMarkdownCleaned bool
	UploadedAt         time.Time
}

// Record is a raw text document handed in directly, e.g. by a crawler.
type Record struct {
	Content  string
	Metadata map[string]any
}

// IngestFile processes an uploaded file and always removes it afterwards.
func (s *Service) IngestFile(ctx context.Context, upload Upload) (FileResult, error) {
	defer s.removeTemp(upload.Path)

	return s.ingestPath(ctx, upload)
}

// IngestDirectory ingests every supported file below dir, leaving the files
// in place. Failures are logged per file.
func (s *Service) IngestDirectory(ctx context.Context, dir string) ([]FileResult, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("data directory: %w", err)
	}

	paths := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(d.Name(), "") != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("walk data directory: %w", err)
	}

	if len(paths) == 0 {
		s.logger.Info("no supported documents found", zap.String("dir", dir))
		return nil, nil
	}

	results := make([]FileResult, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := s.ingestPath(ctx, Upload{
			Path:     path,
			Filename: filepath.Base(path),
			MimeType: MimeTypeFor(path),
		})
		if err != nil {
			s.logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) ingestPath(ctx context.Context, upload Upload) (res FileResult, err error) {
	ctx, span := tracer.Start(ctx, "ingestion.ingest_file")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("filename", upload.Filename))

	data, err := os.ReadFile(upload.Path)
	if err != nil {
		return FileResult{}, fmt.Errorf("read file: %w", err)
	}

	size := upload.Size
	if size <= 0 {
		size = int64(len(data))
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return FileResult{}, fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, size, s.maxBytes)
	}

	format := DetectFormat(upload.Filename, upload.MimeType)
	content, err := extractText(format, data)
	if err != nil {
		return FileResult{}, err
	}
	if strings.TrimSpace(content) == "" {
		return FileResult{}, ErrEmptyContent
	}

	cleaned := format == FormatMarkdown
	if cleaned {
		content = CleanMarkdown(content)
	}

	pieces, err := s.splitter.Split(content)
	if err != nil {
		return FileResult{}, err
	}

	uploadedAt := s.now().UTC()
	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = MimeTypeFor(upload.Filename)
	}

	chunks := buildChunks(pieces, chunkTemplate{
		documentID: s.newID(),
		filename:   upload.Filename,
		mimeType:   mimeType,
		size:       size,
		origin:     OriginFileUpload,
		createdAt:  uploadedAt,
	}, s.newID)

	if err := s.persist(ctx, chunks); err != nil {
		return FileResult{}, err
	}
	s.mirror(ctx, chunks)

	s.logger.Info("ingested file",
		zap.String("filename", upload.Filename),
		zap.Int("chunks", len(chunks)),
		zap.Bool("markdown_cleaned", cleaned),
	)

	return FileResult{
		Filename:           upload.Filename,
		MimeType:           mimeType,
		Size:               size,
		Chunks:             len(chunks),
		WasMarkdownCleaned: cleaned,
		UploadedAt:         uploadedAt,
	}, nil
}

// IngestText chunks and stores a single text with caller metadata.
func (s *Service) IngestText(ctx context.Context, text string, metadata map[string]any) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyContent
	}
	return s.IngestRecords(ctx, []Record{{Content: strings.TrimSpace(text), Metadata: metadata}})
}

// IngestRecords chunks and stores raw text records and returns the number of
// chunks written. Records whose metadata names source "web_crawl" keep that
// origin; all others are direct ingests.
func (s *Service) IngestRecords(ctx context.Context, records []Record) (n int, err error) {
	ctx, span := tracer.Start(ctx, "ingestion.ingest_records")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if len(records) == 0 {
		return 0, ErrEmptyContent
	}

	createdAt := s.now().UTC()
	all := make([]Chunk, 0, len(records))
	groups := make([][]Chunk, 0, len(records))

	for i, record := range records {
		pieces, err := s.splitter.Split(record.Content)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}

		origin := OriginDirectIngest
		if src, _ := record.Metadata[MetaSource].(string); src == string(OriginWebCrawl) {
			origin = OriginWebCrawl
		}
		filename, _ := record.Metadata[MetaFilename].(string)

		chunks := buildChunks(pieces, chunkTemplate{
			documentID: s.newID(),
			filename:   filename,
			origin:     origin,
			createdAt:  createdAt,
			extra:      record.Metadata,
		}, s.newID)
		groups = append(groups, chunks)
		all = append(all, chunks...)
	}

	if err := s.persist(ctx, all); err != nil {
		return 0, err
	}
	for _, chunks := range groups {
		s.mirror(ctx, chunks)
	}

	s.logger.Info("ingested records", zap.Int("records", len(records)), zap.Int("chunks", len(all)))
	return len(all), nil
}

func (s *Service) persist(ctx context.Context, chunks []Chunk) error {
	if s.embedder == nil {
		return fmt.Errorf("%w: embedder not configured", embeddings.ErrEmbeddingFailed)
	}

	vs, err := s.stores.Get(ctx)
	if err != nil {
		return err
	}

	docs := make([]store.Document, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Content)
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			if errors.Is(err, embeddings.ErrEmbeddingFailed) {
				return fmt.Errorf("generate embeddings: %w", err)
			}
			return fmt.Errorf("generate embeddings: %w: %w", embeddings.ErrEmbeddingFailed, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("%w: have %d chunks, %d embeddings", embeddings.ErrEmbeddingFailed, len(texts), len(vectors))
		}

		for i, chunk := range chunks[start:end] {
			docs = append(docs, store.Document{
				ID:        chunk.ID,
				Content:   chunk.Content,
				Metadata:  chunk.Metadata(),
				Embedding: vectors[i],
			})
		}
	}

	if err := vs.AddDocuments(ctx, docs); err != nil {
		return fmt.Errorf("%w: add documents: %w", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Service) mirror(ctx context.Context, chunks []Chunk) {
	if s.graph == nil || len(chunks) == 0 {
		return
	}

	first := chunks[0]
	doc := knowledge.Document{
		ID:       first.DocumentID,
		Filename: first.SourceFilename,
		Origin:   string(first.Origin),
		MimeType: first.MimeType,
		Chunks:   make([]knowledge.Chunk, len(chunks)),
	}
	for i, chunk := range chunks {
		doc.Chunks[i] = knowledge.Chunk{ID: chunk.ID, Index: chunk.Index, Text: chunk.Content}
	}

	if err := s.graph.SyncDocument(ctx, doc); err != nil {
		s.logger.Warn("sync knowledge graph", zap.String("document_id", doc.ID), zap.Error(err))
	}
}

func (s *Service) removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove temp file", zap.String("path", path), zap.Error(err))
	}
}
