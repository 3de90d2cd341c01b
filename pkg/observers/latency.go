package observers

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/suara/pkg/metrics"
)

// LatencyObserver logs the client-side round trip of each request next to
// the stage timings the backend reported.
type LatencyObserver struct {
	mu      sync.Mutex
	pending map[string]time.Time
	log     *slog.Logger
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		pending: make(map[string]time.Time),
		log:     log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	traceID := ev.Tags["trace_id"]
	if traceID == "" {
		return
	}
	switch ev.Name {
	case "utterance_sent", "text_sent":
		o.mu.Lock()
		o.pending[traceID] = ev.Time
		o.mu.Unlock()
	case "response_received":
		o.mu.Lock()
		sent, ok := o.pending[traceID]
		delete(o.pending, traceID)
		o.mu.Unlock()
		if !ok {
			return
		}
		attrs := []any{
			"trace_id", traceID,
			"round_trip_ms", durationMs(sent, ev.Time),
		}
		for _, k := range sortedKeys(ev.Fields) {
			if stage, ok := strings.CutPrefix(k, "latency_"); ok {
				attrs = append(attrs, stage, ev.Fields[k])
			}
		}
		o.log.Info("latency", attrs...)
	case "talk_mode_end", "notice":
		// a failed request never gets a response
		o.mu.Lock()
		delete(o.pending, traceID)
		o.mu.Unlock()
	}
}

// Pending reports how many requests are waiting for a response.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ metrics.Observer = (*LatencyObserver)(nil)
