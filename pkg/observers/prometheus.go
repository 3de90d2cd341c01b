package observers

import (
	"github.com/harunnryd/suara/pkg/metrics"
	"github.com/harunnryd/suara/pkg/turn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports session events as Prometheus instruments.
type PrometheusObserver struct {
	Events        *prometheus.CounterVec
	Messages      *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Notices       *prometheus.CounterVec
	RoundTrip     prometheus.Histogram
	UtteranceSize prometheus.Histogram
	Level         prometheus.Gauge
	State         prometheus.Gauge
}

// NewPrometheusObserver registers its instruments with reg. A nil reg uses
// the default registerer.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by name.",
		}, []string{"event"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions by target state.",
		}, []string{"to"}),
		Notices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "User-facing notices by reason.",
		}, []string{"reason"}),
		RoundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_round_trip_ms",
			Help:      "Time from sending a request to receiving its response in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2000, 3000, 5000, 8000, 13000},
		}),
		UtteranceSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_bytes",
			Help:      "Encoded size of sent utterances.",
			Buckets:   prometheus.ExponentialBuckets(4096, 2, 10),
		}),
		Level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_level",
			Help:      "Last sampled microphone energy.",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_state",
			Help:      "Current conversation state as its numeric code.",
		}),
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "vad_level":
		o.Level.Set(ev.Value)
		return
	case "message_in", "message_out":
		typ, _ := ev.Fields["type"].(string)
		dir := "in"
		if ev.Name == "message_out" {
			dir = "out"
		}
		o.Messages.WithLabelValues(dir, typ).Inc()
		return
	case "state_change":
		to, _ := ev.Fields["to"].(string)
		o.Transitions.WithLabelValues(to).Inc()
		if st, ok := turn.ParseState(to); ok {
			o.State.Set(float64(st))
		}
	case "notice":
		reason, _ := ev.Fields["reason"].(string)
		o.Notices.WithLabelValues(reason).Inc()
	case "response_received":
		if ev.Value > 0 {
			o.RoundTrip.Observe(ev.Value)
		}
	case "utterance_sent":
		o.UtteranceSize.Observe(ev.Value)
	}
	o.Events.WithLabelValues(ev.Name).Inc()
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
