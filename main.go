package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/fabfab/course-rag/api"
	"github.com/fabfab/course-rag/chat"
	"github.com/fabfab/course-rag/config"
	"github.com/fabfab/course-rag/database"
	"github.com/fabfab/course-rag/embeddings"
	"github.com/fabfab/course-rag/ingestion"
	"github.com/fabfab/course-rag/knowledge"
	"github.com/fabfab/course-rag/llm"
	"github.com/fabfab/course-rag/logging"
	"github.com/fabfab/course-rag/store"
	"github.com/fabfab/course-rag/tracing"
)

const (
	serviceName       = "course-rag"
	embeddingCacheTTL = 24 * time.Hour
	shutdownTimeout   = 10 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, serviceName, logger)
	if err != nil {
		logger.Fatal("tracing setup", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	switch os.Args[1] {
	case "serve":
		err = serveCmd(ctx, cfg, logger, os.Args[2:])
	case "ingest":
		err = ingestCmd(ctx, cfg, logger, os.Args[2:])
	case "ask":
		err = askCmd(ctx, cfg, logger, os.Args[2:])
	default:
		logger.Error("unknown command", zap.String("command", os.Args[1]))
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", os.Args[1]), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// app holds the wired services and the resources they depend on.
type app struct {
	stores   *store.Provider
	embedder embeddings.Embedder
	llm      llm.Client
	chat     *chat.Service
	ingest   *ingestion.Service
	closers  []func()
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		a.stores = store.Static(store.NewMemoryStore())
	case config.StoreDriverPostgres:
		a.stores = store.NewProvider(store.PostgresOpener(cfg.PostgresDSN, cfg.Embeddings.Dimension), logger)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.StoreDriver)
	}
	a.closers = append(a.closers, a.stores.Close)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	cache, err := newEmbeddingCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := cache.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}
	a.embedder = embeddings.NewCachedEmbedder(embedder, cache, cfg.Embeddings.Model)

	a.llm, err = llm.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	graph, err := newGraphWriter(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	a.ingest, err = ingestion.NewService(a.stores, a.embedder, graph, ingestion.Config{
		ChunkSize:    cfg.Tuning.ChunkSize,
		ChunkOverlap: cfg.Tuning.ChunkOverlap,
		MaxFileBytes: cfg.Server.MaxUploadBytes,
	}, logger.Named("ingestion"))
	if err != nil {
		return nil, fmt.Errorf("ingestion setup: %w", err)
	}

	a.chat = chat.NewService(a.stores, a.embedder, a.llm, chat.Config{
		Tuning:         cfg.Tuning,
		MaxQueryLength: cfg.Server.MaxQueryLength,
	}, logger.Named("chat"))

	logger.Info("services ready",
		zap.String("store", cfg.StoreDriver),
		zap.String("embeddings", strings.ToUpper(cfg.Embeddings.Provider)+"/"+cfg.Embeddings.Model),
		zap.String("llm", strings.ToUpper(cfg.LLM.Provider)+"/"+cfg.LLM.Model),
	)
	return a, nil
}

func newEmbeddingCache(cfg config.Config, logger *zap.Logger) (embeddings.Cache, error) {
	if cfg.RedisURL == "" {
		return embeddings.NewMemoryCache(embeddingCacheTTL, time.Hour), nil
	}
	cache, err := embeddings.NewRedisCache(cfg.RedisURL, embeddingCacheTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("redis cache setup: %w", err)
	}
	return cache, nil
}

// newGraphWriter connects the knowledge graph mirror when NEO4J_URI is set.
func newGraphWriter(ctx context.Context, cfg config.Config, logger *zap.Logger, a *app) (knowledge.Writer, error) {
	if cfg.Neo4jURI == "" {
		return nil, nil
	}
	driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		return nil, fmt.Errorf("neo4j connection: %w", err)
	}
	a.closers = append(a.closers, func() { closeNeo4j(driver, logger) })
	return knowledge.NewNeo4jWriter(driver), nil
}

func closeNeo4j(driver neo4j.DriverWithContext, logger *zap.Logger) {
	if err := driver.Close(context.Background()); err != nil {
		logger.Warn("close neo4j driver", zap.Error(err))
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func serveCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.Server.Addr, "HTTP listen address")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse serve flags: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.New(cfg.Server, api.Deps{
		Chat:   a.chat,
		Ingest: a.ingest,
		Stores: a.stores,
		LLM:    a.llm,
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func ingestCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := flags.String("file", "", "path to a markdown, text or pdf file")
	dir := flags.String("dir", "", "directory to ingest recursively")
	text := flags.String("text", "", "raw text to ingest")
	source := flags.String("source", "", "origin recorded for --text (e.g. web_crawl)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ingest flags: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch {
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
		// IngestFile consumes its input, so hand it a copy.
		tmp, err := os.CreateTemp(cfg.Server.UploadDir, "ingest-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write temp file: %w", err)
		}
		tmp.Close()

		res, err := a.ingest.IngestFile(ctx, ingestion.Upload{
			Path:     tmp.Name(),
			Filename: filepath.Base(*file),
			MimeType: ingestion.MimeTypeFor(*file),
			Size:     int64(len(data)),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Ingested %s: %d chunks (markdown cleaned: %t)\n", res.Filename, res.Chunks, res.WasMarkdownCleaned)

	case *dir != "":
		results, err := a.ingest.IngestDirectory(ctx, *dir)
		if err != nil {
			return err
		}
		total := 0
		for _, res := range results {
			total += res.Chunks
		}
		fmt.Printf("Ingested %d files, %d chunks\n", len(results), total)

	case *text != "":
		var meta map[string]any
		if *source != "" {
			meta = map[string]any{ingestion.MetaSource: *source}
		}
		n, err := a.ingest.IngestText(ctx, *text, meta)
		if err != nil {
			return err
		}
		fmt.Printf("Ingested text: %d chunks\n", n)

	default:
		return fmt.Errorf("one of --file, --dir or --text is required")
	}
	return nil
}

func askCmd(ctx context.Context, cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask")
	stream := flags.Bool("stream", false, "stream the answer as it is generated")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ask flags: %w", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read question: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if *stream {
		return streamAnswer(ctx, a.chat, *question)
	}

	resp, err := a.chat.Answer(ctx, *question)
	if err != nil {
		return err
	}

	fmt.Println(resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for idx, source := range resp.Sources {
			name, _ := source.Metadata[ingestion.MetaFilename].(string)
			if name == "" {
				name = "(untitled)"
			}
			if source.Score != nil {
				fmt.Printf("%d. %s (score %.4f)\n", idx+1, name, *source.Score)
			} else {
				fmt.Printf("%d. %s\n", idx+1, name)
			}
		}
	}
	return nil
}

func streamAnswer(ctx context.Context, svc *chat.Service, question string) error {
	sink := chat.NewChannelSink(ctx, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Stream(ctx, question, sink)
	}()

	for event := range sink.Events() {
		switch e := event.(type) {
		case chat.StatusEvent:
			fmt.Fprintln(os.Stderr, e.Message)
		case chat.ChunkEvent:
			fmt.Print(e.Content)
		case chat.ContextEvent:
			fmt.Println()
			for _, item := range e.Data {
				if name, ok := item.Metadata[ingestion.MetaFilename].(string); ok {
					fmt.Fprintf(os.Stderr, "  source: %s\n", name)
				}
			}
		case chat.AnswerEvent:
			fmt.Fprintf(os.Stderr, "mode %s, %d documents, %s\n", e.Mode, e.Metadata.DocumentsUsed, e.Metadata.ResponseTime)
		case chat.ErrorEvent:
			fmt.Fprintf(os.Stderr, "error: %s\n", e.Details)
		}
	}
	return <-errCh
}

func printUsage() {
	fmt.Println("Usage: course-rag <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the HTTP API (use --addr to override the listen address)")
	fmt.Println("  ingest   Ingest a file (--file), a directory (--dir) or raw text (--text)")
	fmt.Println("  ask      Ask a question (--question, --stream for live output)")
}
