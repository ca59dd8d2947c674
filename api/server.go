package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fabfab/course-rag/chat"
	"github.com/fabfab/course-rag/config"
	"github.com/fabfab/course-rag/ingestion"
	"github.com/fabfab/course-rag/llm"
	"github.com/fabfab/course-rag/store"
)

// multipartOverhead is the body allowance on top of the file size limit.
const multipartOverhead = 1 << 20

var errBadRequest = errors.New("bad request")

// Deps are the services the HTTP surface delegates to.
type Deps struct {
	Chat   *chat.Service
	Ingest *ingestion.Service
	Stores store.Handle
	LLM    llm.Client
}

// Server exposes HTTP handlers for querying and ingesting course material.
type Server struct {
	cfg      config.Server
	deps     Deps
	logger   *zap.Logger
	validate *validator.Validate
	handler  http.Handler
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type queryRequest struct {
	Query string `json:"query" validate:"required"`
}

type ingestRequest struct {
	Text     string         `json:"text" validate:"required"`
	Metadata map[string]any `json:"metadata"`
}

type ingestResponse struct {
	Message string `json:"message"`
	Chunks  int    `json:"chunks"`
}

type fileResponse struct {
	Filename           string `json:"filename"`
	FileSize           int64  `json:"fileSize"`
	MimeType           string `json:"mimeType"`
	Chunks             int    `json:"chunks"`
	WasMarkdownCleaned bool   `json:"wasMarkdownCleaned"`
	UploadedAt         string `json:"uploadedAt"`
}

// New constructs a Server serving the API with the given services.
func New(cfg config.Server, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger, validate: validator.New()}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	rag := router.PathPrefix("/rag").Subrouter()
	rag.HandleFunc("/stream", s.handleStream).Methods(http.MethodPost)
	rag.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	rag.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	rag.HandleFunc("/upload-file", s.handleUpload).Methods(http.MethodPost)
	rag.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	rag.HandleFunc("/store", s.handleStore).Methods(http.MethodGet)

	return s.cors(router)
}

func (s *Server) cors(next http.Handler) http.Handler {
	origin := s.cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	query, err := s.decodeQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Stream logs its own failures and reports them on the sink.
	_ = s.deps.Chat.Stream(r.Context(), query, sink)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	query, err := s.decodeQuery(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.deps.Chat.Answer(r.Context(), query)
	if err != nil {
		s.writeError(w, fmt.Errorf("query failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	n, err := s.deps.Ingest.IngestText(r.Context(), req.Text, req.Metadata)
	if err != nil {
		s.writeError(w, fmt.Errorf("ingestion failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: ingestResponse{Message: "ingestion_complete", Chunks: n}})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, fmt.Errorf("%w: file exceeds maximum size of %dMB", ingestion.ErrFileTooLarge, limit/1024/1024))
			return
		}
		s.writeError(w, fmt.Errorf("%w: parse upload: %w", errBadRequest, err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("remove multipart files", zap.Error(err))
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: no file uploaded, send file using field name 'file'", errBadRequest))
		return
	}
	defer file.Close()

	if limit > 0 && header.Size > limit {
		s.writeError(w, fmt.Errorf("%w: file exceeds maximum size of %dMB", ingestion.ErrFileTooLarge, limit/1024/1024))
		return
	}

	path, err := s.saveTemp(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("store upload: %w", err))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	result, err := s.deps.Ingest.IngestFile(r.Context(), ingestion.Upload{
		Path:     path,
		Filename: header.Filename,
		MimeType: mimeType,
		Size:     header.Size,
	})
	if err != nil {
		s.writeError(w, fmt.Errorf("upload failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: fileResponse{
		Filename:           result.Filename,
		FileSize:           result.Size,
		MimeType:           result.MimeType,
		Chunks:             result.Chunks,
		WasMarkdownCleaned: result.WasMarkdownCleaned,
		UploadedAt:         result.UploadedAt.Format(time.RFC3339),
	}})
}

func (s *Server) saveTemp(src io.Reader) (string, error) {
	dst, err := os.CreateTemp(s.cfg.UploadDir, "upload-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := llm.Ping(r.Context(), s.deps.LLM); err != nil {
		s.writeError(w, fmt.Errorf("llm services are not active: %w", err))
		return
	}
	if err := s.checkStore(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: "active"})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if err := s.checkStore(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: "available"})
}

func (s *Server) checkStore(ctx context.Context) error {
	if s.deps.Stores == nil {
		return fmt.Errorf("%w: no store configured", store.ErrUnavailable)
	}
	vs, err := s.deps.Stores.Get(ctx)
	if err != nil {
		return err
	}
	if err := vs.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%w: health check: %w", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Server) decodeQuery(r *http.Request) (string, error) {
	var req queryRequest
	if err := s.decode(r, &req); err != nil {
		return "", err
	}
	return s.deps.Chat.ValidateQuery(req.Query)
}

func (s *Server) decode(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return fmt.Errorf("%w: decode request: %w", errBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", errBadRequest, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, chat.ErrInvalidQuery),
		errors.Is(err, ingestion.ErrEmptyContent),
		errors.Is(err, ingestion.ErrFileTooLarge),
		errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNoRelevantDocuments),
		errors.Is(err, chat.ErrNoRelevantContent):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Info("api error", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
