package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/fabfab/course-rag/chat"
)

// sseSink writes chat events as server-sent events. Headers are committed
// with the first event.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	closed  bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Send(e chat.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.ErrSinkClosed
	}

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) PreambleSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ chat.Sink = (*sseSink)(nil)
