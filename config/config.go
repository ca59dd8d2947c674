package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Server Server

	StoreDriver string
	PostgresDSN string

	Neo4jURI  string
	Neo4jUser string
	Neo4jPass string

	RedisURL string

	Embeddings Embeddings
	LLM        LLM

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Log     Log
	Tracing Tracing
	Tuning  Tuning
}

type Server struct {
	Addr           string
	AllowedOrigin  string
	UploadDir      string
	MaxUploadBytes int64
	MaxQueryLength int
}

type Embeddings struct {
	Provider  string
	Model     string
	Dimension int
}

type LLM struct {
	Provider         string
	Model            string
	Temperature      float32
	MaxTokens        int
	TopP             float32
	PresencePenalty  float32
	FrequencyPenalty float32
}

type Log struct {
	Level string
	File  string
	JSON  bool
}

type Tracing struct {
	Enabled  bool
	Endpoint string
}

// Tuning holds the pipeline thresholds. The values are fixed once Load returns.
type Tuning struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	HighConfidence   float64 `yaml:"high_confidence"`
	MediumConfidence float64 `yaml:"medium_confidence"`
	LowConfidence    float64 `yaml:"low_confidence"`

	MaxDocuments     int `yaml:"max_documents"`
	MinDocuments     int `yaml:"min_documents"`
	MaxContextLength int `yaml:"max_context_length"`
	MinContextLength int `yaml:"min_context_length"`

	StreamTopK int `yaml:"stream_top_k"`
	SyncTopK   int `yaml:"sync_top_k"`
}

type fileOverlay struct {
	Tuning *Tuning `yaml:"tuning"`
}

func DefaultTuning() Tuning {
	return Tuning{
		ChunkSize:        1000,
		ChunkOverlap:     150,
		HighConfidence:   0.75,
		MediumConfidence: 0.55,
		LowConfidence:    0.35,
		MaxDocuments:     5,
		MinDocuments:     2,
		MaxContextLength: 4000,
		MinContextLength: 200,
		StreamTopK:       5,
		SyncTopK:         3,
	}
}

func (t Tuning) Validate() error {
	if t.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if t.ChunkOverlap < 0 || t.ChunkOverlap >= t.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, %d)", t.ChunkSize)
	}
	if !(t.LowConfidence <= t.MediumConfidence && t.MediumConfidence <= t.HighConfidence) {
		return fmt.Errorf("confidence bands must satisfy low <= medium <= high")
	}
	if t.MaxDocuments <= 0 || t.MaxContextLength <= 0 {
		return fmt.Errorf("context bounds must be positive")
	}
	if t.StreamTopK <= 0 || t.SyncTopK <= 0 {
		return fmt.Errorf("top-k values must be positive")
	}
	return nil
}

// Load reads .env (if present), the environment and the optional YAML file
// named by RAG_CONFIG_FILE.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Server: Server{
			Addr:           getEnv("HTTP_ADDR", ":3000"),
			AllowedOrigin:  getEnv("CORS_ORIGIN", "*"),
			UploadDir:      getEnv("UPLOAD_DIR", os.TempDir()),
			MaxUploadBytes: int64(getEnvAsInt("MAX_FILE_SIZE", 10*1024*1024)),
			MaxQueryLength: getEnvAsInt("MAX_QUERY_LENGTH", 5000),
		},
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/course-rag?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", ""),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),
		RedisURL:    getEnv("REDIS_URL", ""),
		Embeddings: Embeddings{
			Provider:  strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOpenAI)),
			Model:     getEnv("EMBEDDINGS_MODEL", "text-embedding-3-small"),
			Dimension: getEnvAsInt("EMBEDDINGS_DIMENSION", 1536),
		},
		LLM: LLM{
			Provider:         strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
			Model:            getEnv("LLM_MODEL", "gpt-4o-mini"),
			Temperature:      getEnvAsFloat32("LLM_TEMPERATURE", 0.1),
			MaxTokens:        getEnvAsInt("LLM_MAX_TOKENS", 2000),
			TopP:             getEnvAsFloat32("LLM_TOP_P", 0.9),
			PresencePenalty:  getEnvAsFloat32("LLM_PRESENCE_PENALTY", 0.1),
			FrequencyPenalty: getEnvAsFloat32("LLM_FREQUENCY_PENALTY", 0.1),
		},
		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		Log: Log{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
			JSON:  getEnvAsBool("LOG_JSON", false),
		},
		Tracing: Tracing{
			Enabled:  getEnvAsBool("OTEL_ENABLED", false),
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
		Tuning: DefaultTuning(),
	}

	if path := getEnv("RAG_CONFIG_FILE", ""); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Tuning.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid tuning: %w", err)
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	overlay := fileOverlay{Tuning: &cfg.Tuning}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat32(key string, fallback float32) float32 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 32); err == nil {
		return float32(value)
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}
