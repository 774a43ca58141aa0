package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	heroErrors "github.com/th317erd/hero/internal/errors"
)

// ChannelSink buffers events for one subscriber, optionally limited to a
// single session. A full buffer drops the event.
type ChannelSink struct {
	name      string
	sessionID string
	ch        chan Event
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewChannelSink(name, sessionID string, buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{name: name, sessionID: sessionID, ch: make(chan Event, buffer)}
}

func (s *ChannelSink) Name() string { return s.name }

func (s *ChannelSink) Events() <-chan Event { return s.ch }

func (s *ChannelSink) Deliver(_ context.Context, ev Event) error {
	if s.sessionID != "" && ev.SessionID != s.sessionID {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return heroErrors.Transient("sink closed")
	}

	select {
	case s.ch <- ev:
		return nil
	default:
		return heroErrors.Transient("subscriber buffer full")
	}
}

func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// LogSink writes every event to slog at debug level.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, ev Event) error {
	slog.Debug("Session event", "type", ev.Type, "session", ev.SessionID, "bytes", len(ev.Payload))
	return nil
}

// WriterSink writes one JSON line per event, the way `hero serve --events`
// streams them to stdout.
type WriterSink struct {
	name string
	mu   sync.Mutex
	enc  *json.Encoder
}

func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, enc: json.NewEncoder(w)}
}

func (s *WriterSink) Name() string { return s.name }

func (s *WriterSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
