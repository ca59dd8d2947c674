package chat

import (
	"encoding/json"
	"time"
)

const (
	EventStatus  = "status"
	EventChunk   = "chunk"
	EventContext = "context"
	EventAnswer  = "answer"
	EventError   = "error"
	EventDone    = "done"
)

// Event is one message on a streaming answer. The set of variants is closed;
// each marshals to a JSON object carrying its tag in "type".
type Event interface {
	Type() string
	isEvent()
}

type StatusEvent struct {
	Message       string   `json:"message"`
	Mode          *Mode    `json:"mode,omitempty"`
	DocumentsUsed *int     `json:"documentsUsed,omitempty"`
	AverageScore  *float64 `json:"averageScore,omitempty"`
}

type ChunkEvent struct {
	Content string `json:"content"`
}

type ContextItem struct {
	PageContent string         `json:"pageContent"`
	Metadata    map[string]any `json:"metadata"`
	Score       *float64       `json:"score"`
}

type ContextEvent struct {
	Data []ContextItem `json:"data"`
}

type AnswerMetadata struct {
	DocumentsUsed          int     `json:"documentsUsed"`
	TotalDocumentsSearched int     `json:"totalDocumentsSearched"`
	AverageRelevance       float64 `json:"averageRelevance"`
	ResponseTime           string  `json:"responseTime"`
}

type AnswerEvent struct {
	Content  string         `json:"content"`
	Mode     Mode           `json:"mode"`
	Metadata AnswerMetadata `json:"metadata"`
}

type ErrorEvent struct {
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

type DoneEvent struct{}

func (StatusEvent) Type() string  { return EventStatus }
func (ChunkEvent) Type() string   { return EventChunk }
func (ContextEvent) Type() string { return EventContext }
func (AnswerEvent) Type() string  { return EventAnswer }
func (ErrorEvent) Type() string   { return EventError }
func (DoneEvent) Type() string    { return EventDone }

func (StatusEvent) isEvent()  {}
func (ChunkEvent) isEvent()   {}
func (ContextEvent) isEvent() {}
func (AnswerEvent) isEvent()  {}
func (ErrorEvent) isEvent()   {}
func (DoneEvent) isEvent()    {}

func (e StatusEvent) MarshalJSON() ([]byte, error) {
	type alias StatusEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ChunkEvent) MarshalJSON() ([]byte, error) {
	type alias ChunkEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ContextEvent) MarshalJSON() ([]byte, error) {
	type alias ContextEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e AnswerEvent) MarshalJSON() ([]byte, error) {
	type alias AnswerEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e DoneEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{e.Type()})
}
