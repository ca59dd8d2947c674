package chat

import (
	"errors"
)

var (
	// ErrInvalidQuery rejects blank or oversized queries before any work is done.
	ErrInvalidQuery        = errors.New("invalid query")
	ErrNoRelevantDocuments = errors.New("no relevant documents found")
	ErrNoRelevantContent   = errors.New("no relevant content found")
)

// Result is one retrieved chunk. Score is nil when the store could not
// score the match.
type Result struct {
	Content  string         `json:"pageContent"`
	Metadata map[string]any `json:"metadata"`
	Score    *float64       `json:"score"`
}

func (r Result) scoreOrZero() float64 {
	if r.Score == nil {
		return 0
	}
	return *r.Score
}

func (r Result) filename() string {
	name, _ := r.Metadata["filename"].(string)
	return name
}

// ConfidenceSignal summarizes how much the retrieved context can be trusted.
type ConfidenceSignal struct {
	AverageScore  float64
	DocumentCount int
	ContextLength int
}

// Mode is the answer strategy chosen for a query.
type Mode string

const (
	ModeGeneral      Mode = "General"
	ModeRAGHigh      Mode = "RAG_High"
	ModeHybridMedium Mode = "Hybrid_Medium"
	ModeHybridLow    Mode = "Hybrid_Low"
)

// Source is a retrieved chunk reported alongside a synchronous answer.
type Source struct {
	Metadata map[string]any `json:"metadata"`
	Score    *float64       `json:"score"`
}

type Response struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
}
