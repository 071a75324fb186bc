// Package obs carries the structured events emitted by the credential
// resolver and the upload pipeline. Components take a Sink at construction
// and never write to the console directly; the CLI decides whether events
// become log lines, Prometheus samples, or both.
package obs

import (
	"context"
	"log/slog"
	"sync"
)

// Event names.
const (
	TokenRefreshed  = "token_refreshed"
	ChunkUploaded   = "chunk_uploaded"
	UploadCompleted = "upload_completed"
	UploadFailed    = "upload_failed"
	HashMismatch    = "hash_mismatch"
)

// Event is one structured occurrence. Attrs must never contain secrets.
type Event struct {
	Name  string
	Attrs []slog.Attr
}

// Attr returns the value of the named attribute.
func (e Event) Attr(key string) (slog.Value, bool) {
	for _, a := range e.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}

	return slog.Value{}, false
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink writes every event as one slog record. Failure-type events are
// logged at warn level, the rest at info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink backed by logger (nil means slog.Default()).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Name == UploadFailed || ev.Name == HashMismatch {
		level = slog.LevelWarn
	}

	if ev.Name == ChunkUploaded {
		level = slog.LevelDebug
	}

	s.logger.LogAttrs(ctx, level, ev.Name, ev.Attrs...)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Multi fans events out to every non-nil sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}

	return out
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}

// Discard drops every event.
var Discard Sink = discardSink{}

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}

	return s
}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// Named returns the recorded events with the given name, in emission order.
func (r *Recorder) Named(name string) []Event {
	var out []Event

	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}

	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name string) int {
	return len(r.Named(name))
}
