package metrics

import "time"

// MetricsEvent is one observation emitted by the session or channel.
// Tags are low-cardinality labels; Fields carry free-form values.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
