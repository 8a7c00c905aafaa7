package chatsg

import (
	"log/slog"
	"sync"
)

// StreamWriter is the transport sink for one response stream. The transport
// layer frames events onto the wire (SSE lines, websocket frames, or a test
// buffer) and applies its own flow control: a slow consumer blocks Write,
// which backpressures the producing agent.
//
// Write is never called after Close. Both are called from a single
// goroutine at a time.
type StreamWriter interface {
	Write(ev Event) error
	Close() error
}

// Stream wraps a StreamWriter with the single-writer protocol discipline:
//
//   - events are serialized through one internal lock, so agents that spawn
//     concurrent tool calls may emit from multiple goroutines
//   - exactly one terminal (done or error) is written; the first wins
//   - events after the terminal are dropped and logged, never forwarded
//   - empty token content is suppressed
//
// A nil *Stream is valid and drops everything (non-streaming mode), so
// agents emit unconditionally.
type Stream struct {
	mu       sync.Mutex
	w        StreamWriter
	logger   *slog.Logger
	terminal bool
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// StreamLogger sets the logger used to report protocol violations
// (emissions after the terminal event).
func StreamLogger(l *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = l }
}

// NewStream wraps w. A nil writer yields a drop-everything stream.
func NewStream(w StreamWriter, opts ...StreamOption) *Stream {
	s := &Stream{w: w, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Emit writes one event, enforcing the terminal discipline. Returns the
// transport error, if any; protocol-violating events return nil and are
// dropped.
func (s *Stream) Emit(ev Event) error {
	if s == nil || s.w == nil {
		return nil
	}
	if ev.Type == EventToken && ev.Content == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		s.logger.Warn("stream: event after terminal dropped", "type", ev.Type)
		return nil
	}
	if ev.Type.IsTerminal() {
		s.terminal = true
	}
	return s.w.Write(ev)
}

// Terminated reports whether a terminal event has been written.
func (s *Stream) Terminated() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Close closes the underlying writer. Safe to call after a terminal;
// if no terminal was written the writer is closed as-is (the orchestrator
// guarantees a terminal before Close on all paths).
func (s *Stream) Close() error {
	if s == nil || s.w == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
