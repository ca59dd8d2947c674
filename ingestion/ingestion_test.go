package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/course-rag/embeddings"
	"github.com/fabfab/course-rag/knowledge"
	"github.com/fabfab/course-rag/store"
)

type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				vec[r-'a']++
			}
		}
		out[i] = vec
	}
	return out, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("quota exceeded")
}

type recordingGraph struct {
	docs []knowledge.Document
	err  error
}

func (g *recordingGraph) SyncDocument(_ context.Context, doc knowledge.Document) error {
	g.docs = append(g.docs, doc)
	return g.err
}

func letterBlocks(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte("abcd"[i/750])
	}
	return sb.String()
}

func newTestService(t *testing.T, vs store.VectorStore, embedder embeddings.Embedder, graph knowledge.Writer) *Service {
	t.Helper()
	svc, err := NewService(store.Static(vs), embedder, graph, Config{ChunkSize: 1000, ChunkOverlap: 150, MaxFileBytes: 10 * 1024 * 1024}, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }
	return svc
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSplitterProducesOverlappingWindows(t *testing.T) {
	text := letterBlocks(3000)
	s, err := NewSplitter(1000, 150)
	require.NoError(t, err)

	chunks, err := s.Split(text)
	require.NoError(t, err)

	require.Equal(t, []string{
		text[0:1000],
		text[850:1850],
		text[1700:2700],
		text[2550:3000],
	}, chunks)

	rebuilt := chunks[0]
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1][len(chunks[i-1])-150:], chunks[i][:150], "overlap between %d and %d", i-1, i)
		rebuilt += chunks[i][150:]
	}
	assert.Equal(t, text, rebuilt)
}

func TestSplitterRespectsSizeOnProse(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "Sentence number %d talks about recursion and loops. ", i)
		if i%5 == 4 {
			sb.WriteString("\n\n")
		}
	}
	text := sb.String()

	s, err := NewSplitter(200, 30)
	require.NoError(t, err)
	chunks, err := s.Split(text)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	joined := strings.Join(chunks, "\n")
	for _, chunk := range chunks {
		assert.LessOrEqual(t, runeLen(chunk), 200)
	}
	for i := 0; i < 40; i++ {
		assert.Contains(t, joined, fmt.Sprintf("number %d talks", i))
	}
}

func TestSplitterSingleChunkForShortText(t *testing.T) {
	s, err := NewSplitter(1000, 150)
	require.NoError(t, err)
	chunks, err := s.Split("  Lab 2 is due Friday.  ")
	require.NoError(t, err)
	assert.Equal(t, []string{"Lab 2 is due Friday."}, chunks)
}

func TestSplitterRejectsBlankInput(t *testing.T) {
	s, err := NewSplitter(1000, 150)
	require.NoError(t, err)
	_, err = s.Split(" \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestSplitterCountsRunes(t *testing.T) {
	s, err := NewSplitter(10, 2)
	require.NoError(t, err)
	chunks, err := s.Split(strings.Repeat("é", 25))
	require.NoError(t, err)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, runeLen(chunk), 10)
	}
	assert.Len(t, chunks, 3)
}

func TestNewSplitterValidation(t *testing.T) {
	_, err := NewSplitter(0, 0)
	assert.Error(t, err)
	_, err = NewSplitter(100, 100)
	assert.Error(t, err)
	_, err = NewSplitter(100, -1)
	assert.Error(t, err)
}

func TestSplitKeepingSeparator(t *testing.T) {
	assert.Equal(t, []string{"a", "\n\nb", "\n\nc"}, splitKeepingSeparator("a\n\nb\n\nc", "\n\n"))
	assert.Equal(t, []string{"\n\nlead"}, splitKeepingSeparator("\n\nlead", "\n\n"))
	assert.Equal(t, []string{"a", "b", "é"}, splitKeepingSeparator("abé", ""))
}

func TestCleanMarkdown(t *testing.T) {
	input := "# Week 3: Recursion\n\n" +
		"![diagram](data:image/png;base64,iVBORw0KGgoAAAANSUhEUg==)\n\n" +
		"Read the **lecture notes** and the [syllabus](https://example.edu/syllabus).\n\n" +
		"- Submit `lab3.py` by *Friday*\n" +
		"- Office hours: <img src=\"x.png\"> Monday\n\n" +
		"> Late work loses 10%.\n"

	assert.Equal(t,
		"Week 3: Recursion Read the lecture notes and the syllabus. Submit lab3.py by Friday Office hours: Monday Late work loses 10%.",
		CleanMarkdown(input),
	)
}

func TestCleanMarkdownKeepsIdentifiersAndCode(t *testing.T) {
	input := "```python\ndef snake_case_name():\n    return 1\n```\n\n1. Use __strong__ words\n2. Avoid ~~old~~ APIs"
	assert.Equal(t, "def snake_case_name(): return 1 Use strong words Avoid old APIs", CleanMarkdown(input))
}

func TestCleanMarkdownDropsBareBase64(t *testing.T) {
	out := CleanMarkdown("before data:image/jpeg;base64,/9j/4AAQSkZJRg== after")
	assert.Equal(t, "before after", out)
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename string
		mimeType string
		want     DocumentFormat
	}{
		{"notes.md", "", FormatMarkdown},
		{"notes.txt", "text/markdown", FormatMarkdown},
		{"notes.txt", "text/plain; charset=utf-8", FormatText},
		{"slides.pdf", "", FormatPDF},
		{"blob", "application/pdf", FormatPDF},
		{"data.csv", "text/csv", FormatText},
		{"essay.docx", "application/octet-stream", FormatUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectFormat(tt.filename, tt.mimeType), "%s %s", tt.filename, tt.mimeType)
	}
}

func TestChunkMetadata(t *testing.T) {
	created := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	meta := Chunk{
		DocumentID:     "doc-1",
		Index:          1,
		TotalChunks:    3,
		SourceFilename: "syllabus.md",
		MimeType:       "text/markdown",
		SizeBytes:      2048,
		CreatedAt:      created,
		Origin:         OriginFileUpload,
		Extra:          map[string]any{"course": "CS101", MetaChunkIndex: 99},
	}.Metadata()

	assert.Equal(t, "syllabus.md", meta[MetaFilename])
	assert.Equal(t, "text/markdown", meta[MetaMimeType])
	assert.Equal(t, int64(2048), meta[MetaSize])
	assert.Equal(t, 1, meta[MetaChunkIndex])
	assert.Equal(t, 3, meta[MetaTotalChunks])
	assert.Equal(t, "2026-01-05T08:00:00Z", meta[MetaUploadedAt])
	assert.Equal(t, "file_upload", meta[MetaSource])
	assert.Equal(t, "CS101", meta["course"])
}

func TestIngestFileStoresChunksAndRemovesTemp(t *testing.T) {
	mem := store.NewMemoryStore()
	graph := &recordingGraph{}
	svc := newTestService(t, mem, letterEmbedder{}, graph)

	path := writeTemp(t, "upload-123", letterBlocks(3000))
	res, err := svc.IngestFile(context.Background(), Upload{Path: path, Filename: "notes.txt", MimeType: "text/plain", Size: 3000})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Chunks)
	assert.False(t, res.WasMarkdownCleaned)
	assert.Equal(t, 4, mem.Len())
	assert.NoFileExists(t, path)

	require.Len(t, graph.docs, 1)
	assert.Equal(t, "notes.txt", graph.docs[0].Filename)
	assert.Equal(t, "file_upload", graph.docs[0].Origin)
	require.Len(t, graph.docs[0].Chunks, 4)
	assert.Equal(t, 3, graph.docs[0].Chunks[3].Index)
}

func TestIngestFileTagsChunkIndexes(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	path := writeTemp(t, "upload", letterBlocks(3000))
	_, err := svc.IngestFile(context.Background(), Upload{Path: path, Filename: "notes.txt"})
	require.NoError(t, err)

	query, _ := letterEmbedder{}.Embed(context.Background(), []string{"a"})
	results, err := mem.SimilaritySearchWithScore(context.Background(), query[0], 10)
	require.NoError(t, err)
	require.Len(t, results, 4)

	seen := map[int]bool{}
	for _, r := range results {
		assert.Equal(t, 4, r.Metadata[MetaTotalChunks])
		assert.Equal(t, "notes.txt", r.Metadata[MetaFilename])
		assert.Equal(t, "text/plain", r.Metadata[MetaMimeType])
		assert.Equal(t, int64(3000), r.Metadata[MetaSize])
		seen[r.Metadata[MetaChunkIndex].(int)] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true, 3: true}, seen)
	assert.Equal(t, 0, results[0].Metadata[MetaChunkIndex])
}

func TestIngestFileCleansMarkdown(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	path := writeTemp(t, "upload", "# Grading\n\n![logo](data:image/png;base64,AAAA)\n\nSee the **policy**.")
	res, err := svc.IngestFile(context.Background(), Upload{Path: path, Filename: "grading.md"})
	require.NoError(t, err)

	assert.True(t, res.WasMarkdownCleaned)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "text/markdown", res.MimeType)
}

func TestIngestFileRejectsEmptyContent(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	path := writeTemp(t, "upload", "   \n\n  ")
	_, err := svc.IngestFile(context.Background(), Upload{Path: path, Filename: "blank.txt"})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.NoFileExists(t, path)
	assert.Equal(t, 0, mem.Len())
}

func TestIngestFileRejectsOversizedAndUnsupported(t *testing.T) {
	mem := store.NewMemoryStore()
	svc, err := NewService(store.Static(mem), letterEmbedder{}, nil, Config{ChunkSize: 100, ChunkOverlap: 10, MaxFileBytes: 8}, nil)
	require.NoError(t, err)

	big := writeTemp(t, "big", "more than eight bytes")
	_, err = svc.IngestFile(context.Background(), Upload{Path: big, Filename: "big.txt"})
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.NoFileExists(t, big)

	doc := writeTemp(t, "doc", "tiny")
	_, err = svc.IngestFile(context.Background(), Upload{Path: doc, Filename: "essay.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.NoFileExists(t, doc)
}

func TestIngestFileReportsEmbeddingFailure(t *testing.T) {
	svc := newTestService(t, store.NewMemoryStore(), failingEmbedder{}, nil)

	path := writeTemp(t, "upload", "Office hours are on Monday.")
	_, err := svc.IngestFile(context.Background(), Upload{Path: path, Filename: "hours.txt"})
	assert.ErrorIs(t, err, embeddings.ErrEmbeddingFailed)
	assert.NoFileExists(t, path)
}

func TestIngestFileStoreUnavailable(t *testing.T) {
	svc, err := NewService(store.NewProvider(func(context.Context) (store.VectorStore, error) {
		return nil, errors.New("connection refused")
	}, nil), letterEmbedder{}, nil, Config{ChunkSize: 1000, ChunkOverlap: 150}, nil)
	require.NoError(t, err)

	path := writeTemp(t, "upload", "Office hours are on Monday.")
	_, err = svc.IngestFile(context.Background(), Upload{Path: path, Filename: "hours.txt"})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NoFileExists(t, path)
}

func TestIngestRecordsKeepsOriginAndMetadata(t *testing.T) {
	mem := store.NewMemoryStore()
	graph := &recordingGraph{err: errors.New("neo4j down")}
	svc := newTestService(t, mem, letterEmbedder{}, graph)

	n, err := svc.IngestRecords(context.Background(), []Record{
		{Content: "Backend engineer, Go and Postgres.", Metadata: map[string]any{"source": "web_crawl", "url": "https://jobs.example/1"}},
		{Content: "Midterm covers chapters one to four.", Metadata: map[string]any{"filename": "midterm.txt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, graph.docs, 2)

	query, _ := letterEmbedder{}.Embed(context.Background(), []string{"Backend engineer, Go and Postgres."})
	results, err := mem.SimilaritySearchWithScore(context.Background(), query[0], 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "web_crawl", results[0].Metadata[MetaSource])
	assert.Equal(t, "https://jobs.example/1", results[0].Metadata["url"])
	assert.Equal(t, "direct_ingest", results[1].Metadata[MetaSource])
	assert.Equal(t, "midterm.txt", results[1].Metadata[MetaFilename])
}

func TestIngestRecordsRejectsBlankRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	_, err := svc.IngestRecords(context.Background(), []Record{{Content: "ok"}, {Content: "  "}})
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, 0, mem.Len())

	_, err = svc.IngestRecords(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestIngestTextTrimsAndTagsDirectIngest(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	n, err := svc.IngestText(context.Background(), "  Office hours are on Tuesday.  ", map[string]any{"course": "CS101"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	query, _ := letterEmbedder{}.Embed(context.Background(), []string{"office hours"})
	results, err := mem.SimilaritySearchWithScore(context.Background(), query[0], 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Office hours are on Tuesday.", results[0].Content)
	assert.Equal(t, "CS101", results[0].Metadata["course"])
	assert.Equal(t, "direct_ingest", results[0].Metadata[MetaSource])

	_, err = svc.IngestText(context.Background(), " \n ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestIngestDirectoryLeavesFilesInPlace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "week1.md"), []byte("# Week 1\n\nIntro to Go."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "week2.txt"), []byte("Pointers and slices."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.png"), []byte{0x89, 0x50}, 0o600))

	mem := store.NewMemoryStore()
	svc := newTestService(t, mem, letterEmbedder{}, nil)

	results, err := svc.IngestDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, mem.Len())
	assert.FileExists(t, filepath.Join(dir, "week1.md"))
}
