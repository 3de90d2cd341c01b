package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/suara/pkg/metrics"
)

// LoggerObserver mirrors events into the structured log.
type LoggerObserver struct {
	log   *slog.Logger
	level slog.Level
}

func NewLoggerObserver(log *slog.Logger, level slog.Level) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log, level: level}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	ctx := context.Background()
	if !o.log.Enabled(ctx, o.level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, o.level, "session_event", attrs...)
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush flushes every member that buffers.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

var (
	_ metrics.Observer = (*LoggerObserver)(nil)
	_ metrics.Flusher  = (*MultiObserver)(nil)
)
