package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fabfab/course-rag/config"
	"github.com/fabfab/course-rag/embeddings"
	"github.com/fabfab/course-rag/llm"
	"github.com/fabfab/course-rag/logging"
	"github.com/fabfab/course-rag/store"
)

const syncContextSeparator = "\n---\n"

var tracer = otel.Tracer("github.com/fabfab/course-rag/chat")

type Config struct {
	Tuning         config.Tuning
	MaxQueryLength int
}

type Service struct {
	retriever      *Retriever
	embedder       embeddings.Embedder
	llm            llm.Client
	tuning         config.Tuning
	maxQueryLength int
	logger         *zap.Logger
	now            func() time.Time
}

func NewService(stores store.Handle, embedder embeddings.Embedder, llmClient llm.Client, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		retriever:      NewRetriever(stores),
		embedder:       embedder,
		llm:            llmClient,
		tuning:         cfg.Tuning,
		maxQueryLength: cfg.MaxQueryLength,
		logger:         logger,
		now:            time.Now,
	}
}

// ValidateQuery trims the query and rejects it when blank or too long.
func (s *Service) ValidateQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: question cannot be empty", ErrInvalidQuery)
	}
	if s.maxQueryLength > 0 && utf8.RuneCountInString(query) > s.maxQueryLength {
		return "", fmt.Errorf("%w: question exceeds %d characters", ErrInvalidQuery, s.maxQueryLength)
	}
	return query, nil
}

// Answer produces a single non-streamed answer from the top results using the
// context-only prompt. Generation errors are returned unchanged.
func (s *Service) Answer(ctx context.Context, query string) (resp Response, err error) {
	ctx, span := tracer.Start(ctx, "chat.answer")
	defer endSpan(span, &err)

	query, err = s.ValidateQuery(query)
	if err != nil {
		return Response{}, err
	}

	results, err := s.retrieve(ctx, query, s.tuning.SyncTopK)
	if err != nil {
		s.logger.Error("retrieval failed", logging.QueryPrefix(query), zap.Error(err))
		return Response{}, err
	}
	if len(results) == 0 {
		return Response{}, ErrNoRelevantDocuments
	}

	contents := make([]string, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.Content) != "" {
			contents = append(contents, r.Content)
		}
	}
	if len(contents) == 0 {
		return Response{}, ErrNoRelevantContent
	}

	if s.llm == nil {
		return Response{}, fmt.Errorf("%w: llm client is not configured", llm.ErrGenerationFailed)
	}
	prompt := ContextOnlyPrompt(strings.Join(contents, syncContextSeparator), query)
	answer, err := s.generate(ctx, prompt)
	if err != nil {
		s.logger.Error("generation failed", logging.QueryPrefix(query), zap.Error(err))
		return Response{}, err
	}

	sources := make([]Source, len(results))
	for i, r := range results {
		sources[i] = Source{Metadata: r.Metadata, Score: r.Score}
	}

	s.logger.Info("answered query",
		logging.QueryPrefix(query),
		zap.Int("documents", len(results)),
	)
	return Response{Answer: answer, Sources: sources}, nil
}

func (s *Service) retrieve(ctx context.Context, query string, k int) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "chat.retrieve")
	defer endSpan(span, &err)
	span.SetAttributes(attribute.Int("top_k", k))

	if s.embedder == nil {
		return nil, fmt.Errorf("%w: embedder not configured", embeddings.ErrEmbeddingFailed)
	}
	vector, err := embeddings.EmbedQuery(ctx, s.embedder, query)
	if err != nil {
		return nil, err
	}

	results, err = s.retriever.Retrieve(ctx, query, vector, k)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

func (s *Service) generate(ctx context.Context, prompt string) (answer string, err error) {
	ctx, span := tracer.Start(ctx, "chat.generate")
	defer endSpan(span, &err)

	return s.llm.Generate(ctx, prompt)
}

func endSpan(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
