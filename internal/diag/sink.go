// Package diag is the single message sink for the binder. All build
// diagnostics flow through a Sink, which separates fatal errors from
// warnings and lets the orchestrator gate each phase on HasErrors.
package diag

import (
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Message is one recorded diagnostic.
type Message struct {
	Text  string
	Fatal bool
}

// Sink accumulates build diagnostics. Safe for concurrent use; cabinet
// worker threads report through the same sink as the orchestrator.
type Sink struct {
	mu       sync.Mutex
	logger   log.Logger
	messages []Message
	errors   int
	warnings int
}

// NewSink creates a sink writing structured log lines to w.
func NewSink(w io.Writer) *Sink {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return &Sink{logger: logger}
}

// NewSinkWithLogger creates a sink over an existing go-kit logger.
func NewSinkWithLogger(logger log.Logger) *Sink {
	return &Sink{logger: logger}
}

// Error records a fatal build error. The build continues visiting remaining
// candidates so independent errors surface together, but no output is valid
// once any error is recorded.
func (s *Sink) Error(loc fmt.Stringer, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.errors++
	s.messages = append(s.messages, Message{Text: text, Fatal: true})
	s.mu.Unlock()
	kv := []interface{}{"msg", text}
	if loc != nil && loc.String() != "" {
		kv = append(kv, "source", loc.String())
	}
	level.Error(s.logger).Log(kv...)
}

// Warning records a non-fatal advisory condition.
func (s *Sink) Warning(loc fmt.Stringer, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	s.mu.Lock()
	s.warnings++
	s.messages = append(s.messages, Message{Text: text})
	s.mu.Unlock()
	kv := []interface{}{"msg", text}
	if loc != nil && loc.String() != "" {
		kv = append(kv, "source", loc.String())
	}
	level.Warn(s.logger).Log(kv...)
}

// Info logs progress key/value pairs without recording a message.
func (s *Sink) Info(keyvals ...interface{}) {
	level.Info(s.logger).Log(keyvals...)
}

// Debug logs diagnostic key/value pairs without recording a message.
func (s *Sink) Debug(keyvals ...interface{}) {
	level.Debug(s.logger).Log(keyvals...)
}

// HasErrors reports whether any fatal error has been recorded.
func (s *Sink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors > 0
}

// ErrorCount returns the number of fatal errors recorded so far.
func (s *Sink) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// WarningCount returns the number of warnings recorded so far.
func (s *Sink) WarningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnings
}

// Messages returns a copy of all recorded diagnostics in order.
func (s *Sink) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}
