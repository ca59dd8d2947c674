package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("event sink closed")

// Sink receives the events of one streaming answer. PreambleSent reports
// whether the transport has already committed its headers, after which no
// error event may be sent.
type Sink interface {
	Send(Event) error
	PreambleSent() bool
	Close() error
}

// ChannelSink delivers events on a buffered channel. The preamble counts as
// sent once the first event has been accepted. A Send blocked on a full
// buffer gives up when ctx is done, so a consumer that stops reading must
// cancel ctx.
type ChannelSink struct {
	mu     sync.Mutex
	ctx    context.Context
	events chan Event
	sent   bool
	closed bool
}

func NewChannelSink(ctx context.Context, buffer int) *ChannelSink {
	return &ChannelSink{ctx: ctx, events: make(chan Event, buffer)}
}

// Events is closed when the sink is closed.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

func (s *ChannelSink) Send(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.events <- e:
		s.sent = true
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *ChannelSink) PreambleSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
