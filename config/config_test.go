package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RAG_CONFIG_FILE", "")
	t.Setenv("LLM_MODEL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultTuning(), cfg.Tuning)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.InDelta(t, 0.1, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, 2000, cfg.LLM.MaxTokens)
	assert.Equal(t, int64(10*1024*1024), cfg.Server.MaxUploadBytes)
	assert.Equal(t, 5000, cfg.Server.MaxQueryLength)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RAG_CONFIG_FILE", "")
	t.Setenv("LLM_PROVIDER", "OLLAMA")
	t.Setenv("EMBEDDINGS_DIMENSION", "768")
	t.Setenv("LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  chunk_size: 500\n  chunk_overlap: 50\n  sync_top_k: 4\n"), 0o600))
	t.Setenv("RAG_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Tuning.ChunkSize)
	assert.Equal(t, 50, cfg.Tuning.ChunkOverlap)
	assert.Equal(t, 4, cfg.Tuning.SyncTopK)
	assert.Equal(t, 5, cfg.Tuning.StreamTopK)
	assert.InDelta(t, 0.75, cfg.Tuning.HighConfidence, 1e-9)
}

func TestLoadRejectsInvalidTuning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tuning:\n  chunk_size: 100\n  chunk_overlap: 100\n"), 0o600))
	t.Setenv("RAG_CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tuning")
}

func TestTuningValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Tuning)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Tuning) {}},
		{name: "zero chunk size", mutate: func(t *Tuning) { t.ChunkSize = 0 }, wantErr: true},
		{name: "negative overlap", mutate: func(t *Tuning) { t.ChunkOverlap = -1 }, wantErr: true},
		{name: "unordered bands", mutate: func(t *Tuning) { t.LowConfidence = 0.9 }, wantErr: true},
		{name: "zero top k", mutate: func(t *Tuning) { t.SyncTopK = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuning := DefaultTuning()
			tt.mutate(&tuning)
			err := tuning.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
