// Package telemetry records the run's event stream: sequenced, timestamped
// events fanned out to pluggable sinks and folded into the final JSON bundle.
package telemetry

import (
	"log/slog"
	"sort"
)

// Sink consumes telemetry events. Emit must not block its caller; sinks that
// do slow work buffer internally.
type Sink interface {
	Emit(event string, payload map[string]any)
}

// NullSink discards every event.
type NullSink struct{}

// Emit does nothing.
func (NullSink) Emit(string, map[string]any) {}

// MultiSink fans out to several sinks. A panicking sink never disables the
// others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink wraps the given sinks. Nil entries are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Emit forwards the event to every sink, swallowing per-sink panics.
func (m *MultiSink) Emit(event string, payload map[string]any) {
	for _, s := range m.sinks {
		emitGuarded(s, event, payload)
	}
}

func emitGuarded(s Sink, event string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Telemetry sink panicked", "event", event, "panic", r)
		}
	}()
	s.Emit(event, payload)
}

// ConsoleSink renders each event as one compact slog line.
type ConsoleSink struct {
	logger *slog.Logger
}

// NewConsoleSink builds a console sink on the given logger, or the default
// logger when nil.
func NewConsoleSink(logger *slog.Logger) *ConsoleSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleSink{logger: logger}
}

// Emit logs the event name with its payload flattened to sorted key-value
// attributes.
func (c *ConsoleSink) Emit(event string, payload map[string]any) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, payload[k])
	}
	c.logger.Info(event, args...)
}
